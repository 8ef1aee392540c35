// Package config loads host settings from defaults, an optional YAML file,
// EXTHOST_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/reglet-dev/reglet-exthost/permission/gatekeeper"
	"github.com/reglet-dev/reglet-exthost/sandbox"
)

const (
	fileName  = "config"
	fileType  = "yaml"
	envPrefix = "EXTHOST"
	homeDir   = ".exthost"
)

// Framing values for Transport.Framing.
const (
	FramingLine   = "line"
	FramingHeader = "header"
)

// Backend values for Permissions.Backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the full host configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Errors      ErrorsConfig      `mapstructure:"errors"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TransportConfig selects how the host talks to its client. An empty
// Listen address serves stdio.
type TransportConfig struct {
	Listen         string        `mapstructure:"listen"`
	Framing        string        `mapstructure:"framing"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SandboxConfig tunes extension isolation. A non-empty CacheDir persists
// compiled WebAssembly modules across runs.
type SandboxConfig struct {
	CacheDir         string        `mapstructure:"cache_dir"`
	EvalTimeout      time.Duration `mapstructure:"eval_timeout"`
	MaxModuleSize    int64         `mapstructure:"max_module_size"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
}

// PermissionsConfig selects the grant store. An empty Path uses the
// backend's default location under ~/.exthost.
type PermissionsConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	SecurityLevel string `mapstructure:"security_level"`
}

type ErrorsConfig struct {
	ReportRate  float64 `mapstructure:"report_rate"`
	ReportBurst int     `mapstructure:"report_burst"`
}

// Dir returns the host's config directory (~/.exthost).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return homeDir
	}
	return filepath.Join(home, homeDir)
}

// FilePath returns the default config file path (~/.exthost/config.yaml).
func FilePath() string {
	return filepath.Join(Dir(), fileName+"."+fileType)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("transport.listen", "")
	v.SetDefault("transport.framing", FramingLine)
	v.SetDefault("transport.request_timeout", 30*time.Second)
	v.SetDefault("sandbox.eval_timeout", sandbox.DefaultEvalTimeout)
	v.SetDefault("sandbox.memory_limit_pages", 0)
	v.SetDefault("sandbox.cache_dir", "")
	v.SetDefault("sandbox.max_module_size", sandbox.DefaultMaxModuleSize)
	v.SetDefault("permissions.backend", BackendFile)
	v.SetDefault("permissions.path", "")
	v.SetDefault("permissions.security_level", string(gatekeeper.SecurityStandard))
	v.SetDefault("errors.report_rate", 1.0)
	v.SetDefault("errors.report_burst", 10)
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"log-level":           "log.level",
	"log-format":          "log.format",
	"listen":              "transport.listen",
	"framing":             "transport.framing",
	"request-timeout":     "transport.request_timeout",
	"eval-timeout":        "sandbox.eval_timeout",
	"permissions-backend": "permissions.backend",
	"permissions-path":    "permissions.path",
	"security-level":      "permissions.security_level",
}

// Load reads the configuration. An explicit path must exist; otherwise the
// default file is read when present. flags may be nil; only flags the user
// changed override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType(fileType)
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: want text or json", c.Log.Format)
	}
	switch c.Transport.Framing {
	case FramingLine, FramingHeader:
	default:
		return fmt.Errorf("invalid transport.framing %q: want %s or %s", c.Transport.Framing, FramingLine, FramingHeader)
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Sandbox.EvalTimeout <= 0 {
		return fmt.Errorf("sandbox.eval_timeout must be positive")
	}
	if c.Sandbox.MaxModuleSize <= 0 {
		return fmt.Errorf("sandbox.max_module_size must be positive")
	}
	switch c.Permissions.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid permissions.backend %q: want %s or %s", c.Permissions.Backend, BackendFile, BackendSQLite)
	}
	if _, err := gatekeeper.ParseSecurityLevel(c.Permissions.SecurityLevel); err != nil {
		return fmt.Errorf("invalid permissions.security_level: %w", err)
	}
	if c.Errors.ReportRate <= 0 || c.Errors.ReportBurst <= 0 {
		return fmt.Errorf("errors.report_rate and errors.report_burst must be positive")
	}
	return nil
}

// PermissionsPath resolves the grant store location for the configured
// backend.
func (c *Config) PermissionsPath() string {
	if c.Permissions.Path != "" {
		return c.Permissions.Path
	}
	if c.Permissions.Backend == BackendSQLite {
		return filepath.Join(Dir(), "permissions.db")
	}
	return filepath.Join(Dir(), "permissions.yaml")
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return l, fmt.Errorf("invalid log.level %q: %w", c.Level, err)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
