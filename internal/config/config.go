// Package config handles configuration loading, validation, and hot reload
// for blobkbd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLOBKBD_"

// Config holds the complete configuration of a keyboard host.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Keyboard configures keys and their press sessions.
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`

	// Caret configures caret blinking and text metrics.
	Caret CaretConfig `toml:"caret" json:"caret" yaml:"caret"`

	// Loop configures the asynchronous event loop.
	Loop LoopConfig `toml:"loop" json:"loop" yaml:"loop"`

	// Document configures the accepted text.
	Document DocumentConfig `toml:"document" json:"document" yaml:"document"`

	// History configures the accept history database.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// KeyboardConfig holds key and press-session settings.
type KeyboardConfig struct {
	// LayoutPath is a JSON, YAML or TOML layout file. Empty uses the
	// built-in layout.
	LayoutPath string `toml:"layout_path" json:"layout_path" yaml:"layout_path"`

	// DebounceMs is how long a released key keeps its selection feedback.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// CompositionCapacity bounds the composition buffer. One slot is
	// reserved, so capacity-1 characters fit.
	CompositionCapacity int `toml:"composition_capacity" json:"composition_capacity" yaml:"composition_capacity"`

	// ResetPolicy is "cancel" or "last-wins".
	ResetPolicy string `toml:"reset_policy" json:"reset_policy" yaml:"reset_policy"`
}

// Debounce returns DebounceMs as a duration.
func (k KeyboardConfig) Debounce() time.Duration {
	return time.Duration(k.DebounceMs) * time.Millisecond
}

// CaretConfig holds caret settings.
type CaretConfig struct {
	// BlinkMs is the caret blink period.
	BlinkMs int `toml:"blink_ms" json:"blink_ms" yaml:"blink_ms"`

	// CellWidth is the width of one terminal-style cell in display units.
	CellWidth int `toml:"cell_width" json:"cell_width" yaml:"cell_width"`

	// LineHeight is the height of one text line in display units.
	LineHeight int `toml:"line_height" json:"line_height" yaml:"line_height"`

	// DocumentWrapWidth is the document display width. 0 disables wrapping.
	DocumentWrapWidth int `toml:"document_wrap_width" json:"document_wrap_width" yaml:"document_wrap_width"`

	// DocumentVisibleLines limits the caret to the visible lines. 0 means
	// unlimited.
	DocumentVisibleLines int `toml:"document_visible_lines" json:"document_visible_lines" yaml:"document_visible_lines"`
}

// Blink returns BlinkMs as a duration.
func (c CaretConfig) Blink() time.Duration {
	return time.Duration(c.BlinkMs) * time.Millisecond
}

// LoopConfig holds event loop settings.
type LoopConfig struct {
	// TickMs is how often the loop advances timers.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// QueueSize bounds the number of queued events.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// Tick returns TickMs as a duration.
func (l LoopConfig) Tick() time.Duration {
	return time.Duration(l.TickMs) * time.Millisecond
}

// DocumentConfig holds document settings.
type DocumentConfig struct {
	// MaxRunes caps the document length. 0 means unlimited.
	MaxRunes int `toml:"max_runes" json:"max_runes" yaml:"max_runes"`
}

// HistoryConfig holds accept history settings.
type HistoryConfig struct {
	// Enabled turns on recording of accepted text.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file" or "both".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	// Enabled serves /metrics on Listen.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the host:port of the metrics endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Keyboard: KeyboardConfig{
			DebounceMs:          100,
			CompositionCapacity: 128,
			ResetPolicy:         "cancel",
		},
		Caret: CaretConfig{
			BlinkMs:              500,
			CellWidth:            12,
			LineHeight:           20,
			DocumentWrapWidth:    480,
			DocumentVisibleLines: 0,
		},
		Loop: LoopConfig{
			TickMs:    10,
			QueueSize: 256,
		},
		Document: DocumentConfig{
			MaxRunes: 1 << 20,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "history.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "blobkbd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, layering it over the defaults and
// applying environment overrides. A missing file yields the defaults.
// The format follows the extension; unknown extensions are auto-detected.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Parse decodes configuration data in the given format ("toml", "json",
// "yaml") over the defaults. An empty format auto-detects.
func Parse(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decode(data, format, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, format string, cfg *Config) error {
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case "":
		return autoDetectAndParse(data, cfg)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
	return nil
}

// autoDetectAndParse tries TOML, then JSON, then YAML.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

func formatForPath(path string) string {
	switch filepath.Ext(path) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, formatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies BLOBKBD_* environment variables. Malformed
// numbers are ignored.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("LAYOUT", &c.Keyboard.LayoutPath)
	num("DEBOUNCE_MS", &c.Keyboard.DebounceMs)
	str("RESET_POLICY", &c.Keyboard.ResetPolicy)
	num("BLINK_MS", &c.Caret.BlinkMs)
	num("TICK_MS", &c.Loop.TickMs)
	flag("HISTORY", &c.History.Enabled)
	str("HISTORY_PATH", &c.History.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_PATH", &c.Logging.FilePath)
	flag("METRICS", &c.Metrics.Enabled)
	str("METRICS_LISTEN", &c.Metrics.Listen)
}

// EnsureDirectories creates the directories of configured files.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
