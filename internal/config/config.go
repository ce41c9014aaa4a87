// Package config loads server configuration from defaults, an optional YAML
// file, environment variables and command-line flags (in increasing priority).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the effective server configuration.
// If either Auth field is empty, muttley runs without authentication.
type Config struct {
	Server  Server  `mapstructure:"server" yaml:"server"`
	Root    string  `mapstructure:"root" yaml:"root"`
	Auth    Auth    `mapstructure:"auth" yaml:"auth"`
	Log     Log     `mapstructure:"log" yaml:"log"`
	Metrics Metrics `mapstructure:"metrics" yaml:"metrics"`
	Upload  Upload  `mapstructure:"upload" yaml:"upload"`
	Search  Search  `mapstructure:"search" yaml:"search"`
	WebDAV  WebDAV  `mapstructure:"webdav" yaml:"webdav"`
	Thumbs  Thumbs  `mapstructure:"thumbs" yaml:"thumbs"`
}

type Server struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type Auth struct {
	Username string `mapstructure:"username" yaml:"username"`
	// Password is plaintext, or a bcrypt hash (as printed by `muttley passwd`).
	Password string `mapstructure:"password" yaml:"password"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Metrics struct {
	// Addr is the listen address of the metrics server; empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Upload struct {
	// MaxMemory bounds the in-memory part of a multipart chunk request.
	MaxMemory     int64         `mapstructure:"max_memory" yaml:"max_memory"`
	StaleAfter    time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
}

type Search struct {
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`
}

type WebDAV struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type Thumbs struct {
	MaxPx int `mapstructure:"max_px" yaml:"max_px"`
}

// AuthEnabled reports whether both credentials are present.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Username != "" && c.Auth.Password != ""
}

// YAML renders the config with the password redacted.
func (c *Config) YAML() ([]byte, error) {
	cp := *c
	if cp.Auth.Password != "" {
		cp.Auth.Password = "<redacted>"
	}
	return yaml.Marshal(&cp)
}

// Validate checks value ranges and makes Root absolute.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Root = abs
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Upload.MaxMemory <= 0 {
		return fmt.Errorf("upload.max_memory must be positive, got %d", c.Upload.MaxMemory)
	}
	if c.Upload.StaleAfter <= 0 {
		return fmt.Errorf("upload.stale_after must be positive, got %s", c.Upload.StaleAfter)
	}
	if c.Thumbs.MaxPx <= 0 {
		c.Thumbs.MaxPx = 256
	}
	return nil
}

func defaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "2m")
	v.SetDefault("root", "./data")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("upload.max_memory", 32<<20)
	v.SetDefault("upload.stale_after", "24h")
	v.SetDefault("upload.sweep_schedule", "*/15 * * * *")
	v.SetDefault("search.max_results", 1000)
	v.SetDefault("webdav.enabled", true)
	v.SetDefault("thumbs.max_px", 256)
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("MUTTLEY")
	// Legacy environment names of earlier deployments.
	_ = v.BindEnv("root", "FILE_SERVER_ROOT", "MUTTLEY_ROOT")
	_ = v.BindEnv("auth.username", "AUTH_USERNAME", "MUTTLEY_AUTH_USERNAME")
	_ = v.BindEnv("auth.password", "AUTH_PASSWORD", "MUTTLEY_AUTH_PASSWORD")
	_ = v.BindEnv("server.addr", "LISTEN_ADDR", "MUTTLEY_SERVER_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL", "MUTTLEY_LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT", "MUTTLEY_LOG_FORMAT")
	_ = v.BindEnv("metrics.addr", "METRICS_ADDR", "MUTTLEY_METRICS_ADDR")
}

// Load builds the effective configuration. configFile may be empty, in which
// case config.yaml is looked up in ., $HOME/.muttley and /etc/muttley and is
// optional. flags may be nil; only flags that were explicitly set override.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)
	bindEnv(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range []string{".", "$HOME/.muttley", "/etc/muttley"} {
			v.AddConfigPath(os.ExpandEnv(p))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range map[string]string{
			"root":         "root",
			"server.addr":  "addr",
			"log.level":    "log-level",
			"metrics.addr": "metrics-addr",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
