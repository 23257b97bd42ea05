// Package config manages storefront configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

const (
	// EnvDev is the local development environment.
	EnvDev Environment = "dev"
	// EnvStaging is the pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProd is the production environment.
	EnvProd Environment = "prod"
)

// Backend selects which record store implementation is authoritative for the
// process. Exactly one backend serves all tables; the two are never
// reconciled with each other.
type Backend string

const (
	// BackendPostgres stores records in PostgreSQL.
	BackendPostgres Backend = "postgres"
	// BackendLocal stores records in per-table JSON blobs on disk.
	BackendLocal Backend = "local"
)

// Environment variable overrides. Credentials are never committed to config
// files; the DSN override is the supported way to supply them.
const (
	envDatabaseURL = "WAYFARE_DATABASE_URL"
	envBackend     = "WAYFARE_BACKEND"
	envListenAddr  = "WAYFARE_ADDR"
	envDataDir     = "WAYFARE_DATA_DIR"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RateLimitRPS   float64       `yaml:"rateLimitRps"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns"`
	MinConns      int32  `yaml:"minConns"`
	RunMigrations bool   `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/wayfare"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// LocalConfig controls the on-disk JSON blob store.
type LocalConfig struct {
	Dir string `yaml:"dir"`
}

func (c *LocalConfig) applyDefaults() {
	c.Dir = strings.TrimSpace(c.Dir)
	if c.Dir == "" {
		c.Dir = "data"
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified storefront configuration sourced from YAML plus
// environment overrides.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Backend     Backend         `yaml:"backend"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Local       LocalConfig     `yaml:"local"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev, Backend: BackendLocal}
	cfg.Server.applyDefaults()
	cfg.Database.applyDefaults()
	cfg.Local.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration file when present; a missing file
// yields defaults (plus environment overrides) rather than an error.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = DefaultAppConfig()
	cfg.applyEnvOverrides()
	if err := cfg.Normalise(); err != nil {
		return AppConfig{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if dsn := strings.TrimSpace(os.Getenv(envDatabaseURL)); dsn != "" {
		c.Database.DSN = dsn
	}
	if backend := strings.TrimSpace(os.Getenv(envBackend)); backend != "" {
		c.Backend = Backend(backend)
	}
	if addr := strings.TrimSpace(os.Getenv(envListenAddr)); addr != "" {
		c.Server.Addr = addr
	}
	if dir := strings.TrimSpace(os.Getenv(envDataDir)); dir != "" {
		c.Local.Dir = dir
	}
}

// Normalise applies defaults and canonicalises enumerated values.
func (c *AppConfig) Normalise() error {
	env := Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if env == "" {
		env = EnvDev
	}
	c.Environment = env

	backend := Backend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if backend == "" {
		backend = BackendLocal
	}
	c.Backend = backend

	c.Server.applyDefaults()
	c.Database.applyDefaults()
	c.Local.applyDefaults()
	return nil
}

// Validate checks the configuration invariants after normalisation.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod; got %q", c.Environment)
	}
	switch c.Backend {
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	case BackendLocal:
		if strings.TrimSpace(c.Local.Dir) == "" {
			return fmt.Errorf("local: dir required")
		}
	default:
		return fmt.Errorf("backend must be postgres or local; got %q", c.Backend)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server: requestTimeout must be >0")
	}
	return nil
}
