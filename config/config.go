// Package config loads daemon configuration with layered sources: built-in
// defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"tthblock.yaml",
	"tthblock.yml",
	"/etc/tthblock/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "TTHBLOCK_CONFIG"

// Config is the daemon configuration. It doubles as the settings surface
// for the blocklist service: enabled flags per source and the refresh
// interval are read from here.
type Config struct {
	Sources SourcesConfig `koanf:"sources"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

type SourcesConfig struct {
	// Dir is the directory holding the blocklist source files.
	Dir string `koanf:"dir" validate:"required"`
	// Disabled names sources excluded from the cache without deleting
	// their files.
	Disabled []string `koanf:"disabled"`
	// UpdateMinutes is the remote refresh interval.
	UpdateMinutes int `koanf:"update_minutes" validate:"gte=1"`
}

type ServerConfig struct {
	Listen          string        `koanf:"listen" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

func defaultConfig() *Config {
	return &Config{
		Sources: SourcesConfig{
			Dir:           "blocklists",
			UpdateMinutes: 60,
		},
		Server: ServerConfig{
			Listen:          ":8480",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the config file if one
// exists, then TTHBLOCK_* environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TTHBLOCK_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Disabled-source lists arrive from the environment as comma-separated
	// strings.
	if v, ok := k.Get("sources.disabled").(string); ok {
		var names []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
		if err := k.Set("sources.disabled", names); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// SourceEnabled reports whether a source participates in the cache.
func (c *Config) SourceEnabled(name string) bool {
	for _, d := range c.Sources.Disabled {
		if d == name {
			return false
		}
	}
	return true
}

// UpdateInterval returns the remote refresh interval.
func (c *Config) UpdateInterval() time.Duration {
	m := c.Sources.UpdateMinutes
	if m < 1 {
		m = 1
	}
	return time.Duration(m) * time.Minute
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps TTHBLOCK_* variables to config paths, e.g.
// TTHBLOCK_SOURCES_DIR -> sources.dir. Unknown variables are dropped.
func envTransform(key string) string {
	mapped := map[string]string{
		"TTHBLOCK_SOURCES_DIR":             "sources.dir",
		"TTHBLOCK_SOURCES_DISABLED":        "sources.disabled",
		"TTHBLOCK_SOURCES_UPDATE_MINUTES":  "sources.update_minutes",
		"TTHBLOCK_SERVER_LISTEN":           "server.listen",
		"TTHBLOCK_SERVER_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
		"TTHBLOCK_LOG_LEVEL":               "logging.level",
	}
	if path, ok := mapped[key]; ok {
		return path
	}
	return ""
}
