// Package config loads kpald's configuration: compiled-in defaults,
// overlaid by a TOML file, overlaid by command-line flags. Precedence is
// flags > file > defaults, evaluated in that order every time Load runs.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config is the full set of daemon settings.
type Config struct {
	// PluginDir is the directory scanned at startup for plugin shared
	// objects (spec.md §4.2).
	PluginDir string `toml:"plugin_dir"`
	// ListenAddr is the address the HTTP API binds, e.g. ":8080".
	ListenAddr string `toml:"listen_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// LogFormat is "console" or "json".
	LogFormat string `toml:"log_format"`
	// ExecutorQueueSize is loaded and validated, but it is not passed on
	// to peripheral creation: each executor's request channel uses the
	// executor package's default size of 16.
	ExecutorQueueSize int `toml:"executor_queue_size"`
	// ShutdownTimeoutSeconds bounds how long the daemon waits for every
	// executor to report its plugin freed before it gives up and exits
	// anyway.
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

func defaults() Config {
	return Config{
		PluginDir:              "/etc/kpal/plugins",
		ListenAddr:             ":8080",
		LogLevel:               "info",
		LogFormat:              "json",
		ExecutorQueueSize:      16,
		ShutdownTimeoutSeconds: 10,
	}
}

// Flags describes the command-line overrides Load accepts. fs is set up
// by the caller (typically flag.CommandLine wrapped by pflag, or a fresh
// FlagSet in tests) so cmd/kpald can add its own flags like -version
// alongside these.
type Flags struct {
	ConfigPath string
	PluginDir  string
	ListenAddr string
	LogLevel   string
	LogFormat  string
}

// RegisterFlags adds kpald's flags to fs and returns the bound Flags.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "path to a kpald.toml config file")
	fs.StringVar(&f.PluginDir, "plugin-dir", "", "directory to scan for plugin shared objects")
	fs.StringVar(&f.ListenAddr, "listen", "", "HTTP listen address")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.LogFormat, "log-format", "", "log format: console, json")
	return f
}

// Load builds a Config from defaults, an optional TOML file, and flag
// overrides. Without --config no file is read; a --config file that
// can't be read is an error.
func Load(f *Flags) (Config, error) {
	cfg := defaults()

	if f.ConfigPath != "" {
		if _, err := os.Stat(f.ConfigPath); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if _, err := toml.DecodeFile(f.ConfigPath, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", f.ConfigPath, err)
		}
	}

	if f.PluginDir != "" {
		cfg.PluginDir = f.PluginDir
	}
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	if c.PluginDir == "" {
		return fmt.Errorf("config: plugin_dir must not be empty")
	}
	if c.ExecutorQueueSize <= 0 {
		return fmt.Errorf("config: executor_queue_size must be positive")
	}
	return nil
}
