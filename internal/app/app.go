// Package app wires configuration, logging, metrics and history into an
// engine for the blobkbd hosts.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"blobkbd/internal/config"
	"blobkbd/internal/health"
	"blobkbd/internal/ime"
	"blobkbd/internal/logging"
	"blobkbd/internal/metrics"
	"blobkbd/internal/store"
)

// Options selects what Setup loads.
type Options struct {
	// Component names the host in logs and crash reports.
	Component string
	// ConfigPath overrides config discovery.
	ConfigPath string
	// LayoutPath overrides keyboard.layout_path.
	LayoutPath string
	// Watch reloads the configuration when the file changes.
	Watch bool
	// Quiet forces file-only logging for hosts that own the terminal.
	Quiet bool
}

// Host holds the process-wide services of a host.
type Host struct {
	Config  *config.Config
	Loader  *config.Loader
	Logger  *logging.Logger
	Metrics *metrics.KeyboardMetrics
	History *store.Store
	Health  *health.Checker
	Crash   *logging.CrashHandler

	layoutPath    string
	watch         bool
	stopMetrics   context.CancelFunc
	metricsErrors chan error
	done          chan struct{}
}

// ConfigFile returns the configuration file a host should use.
func ConfigFile(override string) string {
	if override != "" {
		return override
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// LoggingConfig converts the logging section of the configuration.
func LoggingConfig(c config.LoggingConfig, component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    int64(c.MaxSizeMB),
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
		Component:  component,
	}, nil
}

// Setup loads the configuration and starts logging, metrics and history.
func Setup(opts Options) (*Host, error) {
	if opts.Component == "" {
		opts.Component = "blobkbd"
	}

	loader := config.NewLoader(ConfigFile(opts.ConfigPath))
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	if opts.LayoutPath != "" {
		cfg.Keyboard.LayoutPath = opts.LayoutPath
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logCfg, err := LoggingConfig(cfg.Logging, opts.Component)
	if err != nil {
		return nil, err
	}
	if opts.Quiet && logCfg.Output != "file" {
		logCfg.Output = "file"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	h := &Host{
		Config:     cfg,
		Loader:     loader,
		Logger:     logger,
		layoutPath: opts.LayoutPath,
		watch:      opts.Watch,
		done:       make(chan struct{}),
		Health:     health.NewChecker(),
		Crash: logging.NewCrashHandler(logging.CrashHandlerConfig{
			Component: opts.Component,
		}),
	}

	registry := metrics.NewRegistry("blobkbd", "")
	metrics.SetDefault(registry)
	h.Metrics = metrics.NewKeyboardMetrics(registry)
	if cfg.History.Enabled {
		st, err := store.Open(cfg.History.Path)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		h.History = st
		h.Health.RegisterFunc("history", false, health.PingCheck("history", st.Ping))
		logger.Info("history enabled", "path", cfg.History.Path)
	}

	if cfg.Metrics.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		h.stopMetrics = cancel
		h.metricsErrors = make(chan error, 1)
		go func() {
			err := registry.Serve(ctx, cfg.Metrics.Listen, h.Health.Routes())
			if err != nil {
				logger.Error("metrics endpoint stopped", "listen", cfg.Metrics.Listen, "error", err)
			}
			h.metricsErrors <- err
		}()
		logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
	}

	logger.Debug("configuration loaded", "path", loader.Path())
	return h, nil
}

// EngineOptions returns engine options for the current configuration.
func (h *Host) EngineOptions() (ime.Options, error) {
	opts, err := ime.OptionsFromConfig(h.Config)
	if err != nil {
		return opts, err
	}
	opts.Logger = h.Logger.WithComponent("engine").Logger
	opts.Metrics = h.Metrics
	if h.History != nil {
		opts.History = h.History
	}
	return opts, nil
}

// NewEngine creates an engine and, when watching, re-applies configuration
// changes to it on its own goroutine.
func (h *Host) NewEngine(p ime.Presenter) (*ime.Engine, error) {
	opts, err := h.EngineOptions()
	if err != nil {
		return nil, err
	}
	e, err := ime.New(p, opts)
	if err != nil {
		return nil, err
	}
	h.Crash.SetSessionID(e.SessionID())
	h.Health.RegisterFunc("engine", true, health.PingCheck("engine", e.Ping))
	h.Health.SetReady(true)

	if h.watch {
		if err := h.watchConfig(e); err != nil {
			h.Logger.Warn("config hot reload disabled", "error", err)
		}
	}
	return e, nil
}

func (h *Host) watchConfig(e *ime.Engine) error {
	if _, err := os.Stat(h.Loader.Path()); err != nil {
		return err
	}
	h.Loader.OnChange(func(_, next *config.Config) {
		if h.layoutPath != "" {
			next.Keyboard.LayoutPath = h.layoutPath
		}
		err := e.Do(func() {
			if err := e.ApplyConfig(next); err != nil {
				h.Logger.Warn("config change rejected", "error", err)
			}
		})
		if err != nil && !errors.Is(err, ime.ErrClosed) {
			h.Logger.Warn("config change dropped", "error", err)
		}
	})
	if err := h.Loader.Watch(); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case err := <-h.Loader.Errors():
				h.Logger.Warn("config reload failed", "error", err)
			case <-h.done:
				return
			}
		}
	}()
	h.Logger.Info("watching configuration", "path", h.Loader.Path())
	return nil
}

// Close stops the services started by Setup.
func (h *Host) Close() error {
	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
	}
	h.Health.SetReady(false)

	var errs []error
	if err := h.Loader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close config watcher: %w", err))
	}
	if h.stopMetrics != nil {
		h.stopMetrics()
		<-h.metricsErrors
	}
	if h.History != nil {
		if err := h.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if h.Logger != nil {
		if err := h.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
	}
	return errors.Join(errs...)
}
