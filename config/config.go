// Package config holds the host configuration of the nexus server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/nexus/observability/tracing"
	"github.com/GoCodeAlone/nexus/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NEXUS_"

// RedisConfig enables the Redis event forwarder when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// NATSConfig enables the NATS event forwarder when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subjectPrefix" env:"SUBJECT_PREFIX"`
}

// EventsConfig configures fan-out of lifecycle and module events.
type EventsConfig struct {
	// Forward is the topic pattern sent to external brokers.
	Forward string      `yaml:"forward" env:"FORWARD"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	NATS    NATSConfig  `yaml:"nats" envPrefix:"NATS_"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
}

// Config is the full host configuration.
type Config struct {
	ListenAddr string `yaml:"listenAddr" env:"LISTEN_ADDR"`
	PluginsDir string `yaml:"pluginsDir" env:"PLUGINS_DIR"`
	ViewsDir   string `yaml:"viewsDir" env:"VIEWS_DIR"`
	MountPath  string `yaml:"mountPath" env:"MOUNT_PATH"`

	LoadTimeout     time.Duration `yaml:"loadTimeout" env:"LOAD_TIMEOUT"`
	TeardownTimeout time.Duration `yaml:"teardownTimeout" env:"TEARDOWN_TIMEOUT"`
	LoadConcurrency int           `yaml:"loadConcurrency" env:"LOAD_CONCURRENCY"`
	TaskTimeout     time.Duration `yaml:"taskTimeout" env:"TASK_TIMEOUT"`

	UploadMaxBytes      int64 `yaml:"uploadMaxBytes" env:"UPLOAD_MAX_BYTES"`
	UploadRatePerMinute int   `yaml:"uploadRatePerMinute" env:"UPLOAD_RATE_PER_MINUTE"`

	Watch         bool          `yaml:"watch" env:"WATCH"`
	WatchDebounce time.Duration `yaml:"watchDebounce" env:"WATCH_DEBOUNCE"`

	LogLevel  string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"LOG_FORMAT"`

	Database store.Config   `yaml:"database" envPrefix:"DB_"`
	Events   EventsConfig   `yaml:"events" envPrefix:"EVENTS_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Tracing  tracing.Config `yaml:"tracing" envPrefix:"TRACING_"`
}

// Default returns a configuration that runs a single-node host backed by a
// local SQLite file.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		PluginsDir:          "data/plugins",
		ViewsDir:            "data/views",
		MountPath:           "/plugins",
		LoadTimeout:         10 * time.Second,
		TeardownTimeout:     5 * time.Second,
		LoadConcurrency:     4,
		TaskTimeout:         time.Minute,
		UploadMaxBytes:      1 << 20,
		UploadRatePerMinute: 10,
		WatchDebounce:       500 * time.Millisecond,
		LogLevel:            "info",
		LogFormat:           "text",
		Database:            store.Config{Driver: store.DriverSQLite, DSN: "data/nexus.db", Modules: store.ModuleConfig{Dir: "data/modules"}},
		Events:              EventsConfig{Forward: "*", Redis: RedisConfig{Prefix: "nexus:"}, NATS: NATSConfig{SubjectPrefix: "nexus"}},
		Tracing:             tracing.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML file on top of Default. An empty path yields the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from NEXUS_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr is required"))
	}
	if c.PluginsDir == "" {
		errs = append(errs, errors.New("pluginsDir is required"))
	}
	if c.ViewsDir == "" {
		errs = append(errs, errors.New("viewsDir is required"))
	}
	if c.MountPath == "" || c.MountPath[0] != '/' {
		errs = append(errs, fmt.Errorf("mountPath %q must start with /", c.MountPath))
	}
	if c.LoadTimeout <= 0 {
		errs = append(errs, errors.New("loadTimeout must be positive"))
	}
	if c.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("teardownTimeout must be positive"))
	}
	if c.LoadConcurrency < 1 {
		errs = append(errs, errors.New("loadConcurrency must be at least 1"))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, errors.New("uploadMaxBytes must be positive"))
	}
	if c.UploadRatePerMinute < 0 {
		errs = append(errs, errors.New("uploadRatePerMinute must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logFormat %q must be text or json", c.LogFormat))
	}
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres, "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver != store.DriverSQLite && c.Database.Modules.DSN != "" && c.Database.Modules.DSN == c.Database.DSN {
		errs = append(errs, errors.New("database.modules.dsn must not be the host database"))
	}
	return errors.Join(errs...)
}
