// Package config loads the daemon configuration from TOML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/epithetd/internal/broker"
	"github.com/loykin/epithetd/internal/env"
	"github.com/loykin/epithetd/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. EPITHETD_LOG_LEVEL.
const EnvPrefix = "EPITHETD"

type DiscoveryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Watch        bool          `mapstructure:"watch"`
}

type InspectConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SSHConfig struct {
	Manage      bool   `mapstructure:"manage"`
	ConfigPath  string `mapstructure:"config_path"`
	IncludePath string `mapstructure:"include_path"`
	// ResyncInterval re-renders the include file without a state change.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// Config is the top-level TOML structure.
type Config struct {
	Binary          string        `mapstructure:"binary"`
	RuntimeRoot     string        `mapstructure:"runtime_root"`
	SocketName      string        `mapstructure:"socket_name"`
	BrokersFile     string        `mapstructure:"brokers_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Environment for broker processes.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Inspect   InspectConfig   `mapstructure:"inspect"`
	Log       logger.Config   `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	History   HistoryConfig   `mapstructure:"history"`
	SSH       SSHConfig       `mapstructure:"ssh"`

	// Brokers seeds the broker store; entries whose name already exists
	// there are left alone.
	Brokers []broker.Config `mapstructure:"brokers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binary", "epithet")
	v.SetDefault("runtime_root", "~/.epithet/run")
	v.SetDefault("socket_name", "broker.sock")
	v.SetDefault("brokers_file", "~/.epithet/brokers.json")
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("discovery.initial_delay", 500*time.Millisecond)
	v.SetDefault("discovery.interval", time.Second)
	v.SetDefault("discovery.watch", true)

	v.SetDefault("inspect.timeout", 10*time.Second)
	v.SetDefault("inspect.cache_ttl", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:7777")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9777")

	v.SetDefault("history.dsn", "")

	v.SetDefault("ssh.manage", true)
	v.SetDefault("ssh.config_path", "~/.ssh/config")
	v.SetDefault("ssh.include_path", "~/.epithet/agent-ssh.conf")
	v.SetDefault("ssh.resync_interval", 30*time.Second)
}

// Default returns the configuration used when no file is given.
func Default() (Config, error) { return Load("") }

// Load reads path (TOML) on top of the defaults and applies EPITHETD_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	// mapstructure decodes into existing slice elements, so pre-filling
	// keeps defaults for fields a [[brokers]] table omits
	if raw, ok := v.Get("brokers").([]any); ok {
		for range raw {
			c.Brokers = append(c.Brokers, broker.NewConfig(""))
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for i := range c.Brokers {
		c.Brokers[i].Normalize()
		if err := c.Brokers[i].Err(); err != nil {
			return Config{}, fmt.Errorf("broker %d (%s): %w", i, c.Brokers[i].Name, err)
		}
	}
	if err := c.expandPaths(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) expandPaths() error {
	var err error
	for _, p := range []*string{
		&c.Binary, &c.RuntimeRoot, &c.BrokersFile, &c.Log.File, &c.Log.Dir,
		&c.SSH.ConfigPath, &c.SSH.IncludePath,
	} {
		if *p, err = ExpandHome(*p); err != nil {
			return err
		}
	}
	for i := range c.EnvFiles {
		if c.EnvFiles[i], err = ExpandHome(c.EnvFiles[i]); err != nil {
			return err
		}
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Validate checks values that would make the daemon misbehave.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Binary) == "" {
		errs = append(errs, errors.New("binary is required"))
	}
	if c.RuntimeRoot == "" {
		errs = append(errs, errors.New("runtime_root is required"))
	}
	if c.SocketName == "" || strings.ContainsRune(c.SocketName, filepath.Separator) {
		errs = append(errs, fmt.Errorf("socket_name %q must be a plain file name", c.SocketName))
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("discovery.interval must be positive"))
	}
	if c.Discovery.InitialDelay <= 0 {
		errs = append(errs, errors.New("discovery.initial_delay must be positive"))
	}
	if c.Inspect.Timeout <= 0 {
		errs = append(errs, errors.New("inspect.timeout must be positive"))
	}
	if c.Inspect.CacheTTL < 0 {
		errs = append(errs, errors.New("inspect.cache_ttl must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Environ composes the environment for broker processes: the OS environment
// when use_os_env is set, then env_files in order, then env entries.
func (c Config) Environ() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	e.Apply(c.Env)
	return e.Merge(), nil
}
