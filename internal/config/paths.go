package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "blobkbd"

// DataDirEnv overrides the data directory.
const DataDirEnv = EnvPrefix + "DATA_DIR"

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// xdgDir returns $env/blobkbd, or ~/fallback/blobkbd when env is unset.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/blobkbd/
//   - Linux:   ~/.local/share/blobkbd/
//   - Windows: %APPDATA%\blobkbd\
//
// BLOBKBD_DATA_DIR overrides all of them.
func PlatformDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return xdgDir("APPDATA", "AppData", "Roaming")
	case "linux", "freebsd", "openbsd", "netbsd":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	default:
		return filepath.Join(homeDir(), "."+appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// macOS and Windows keep configuration next to the data.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	case "linux", "freebsd", "openbsd", "netbsd":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	default:
		return PlatformDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		return filepath.Join(xdgDir("LOCALAPPDATA", "AppData", "Local"), "logs")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory, then the config
// directory, for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
