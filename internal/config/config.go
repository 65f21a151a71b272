// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Collaborator service names the step executors depend on.
const (
	CollaboratorDocparse  = "docparse"
	CollaboratorExtract   = "extract"
	CollaboratorVoice     = "voice"
	CollaboratorDirectory = "directory"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig                  `yaml:"server"`
	Store         StoreConfig                   `yaml:"store"`
	Stream        StreamConfig                  `yaml:"stream"`
	Workflow      WorkflowConfig                `yaml:"workflow"`
	Collaborators map[string]CollaboratorConfig `yaml:"collaborators"`
	Idempotency   IdempotencyConfig             `yaml:"idempotency"`
	Session       SessionConfig                 `yaml:"session"`
	Intake        IntakeConfig                  `yaml:"intake"`
	Observability ObservabilityConfig           `yaml:"observability"`
}

// ServerConfig describes HTTP server settings. WriteTimeout defaults to zero
// because the stream endpoint holds responses open indefinitely.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CORS              CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StoreConfig describes case persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StreamConfig describes workflow event stream settings.
type StreamConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// WorkflowConfig describes coordinator settings.
type WorkflowConfig struct {
	StepTimeout   time.Duration `yaml:"step_timeout"`
	CaseTimeout   time.Duration `yaml:"case_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CollaboratorConfig describes an external collaborator service.
type CollaboratorConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per collaborator.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per collaborator.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// IdempotencyConfig describes submission idempotency settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// SessionConfig describes case session token settings. When enabled, case
// read, delete and stream requests must present the token issued at
// submission.
type SessionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	TTL           time.Duration `yaml:"ttl"`
}

// IntakeConfig describes submission payload validation settings. An empty
// schema file disables validation.
type IntakeConfig struct {
	SchemaFile string `yaml:"schema_file"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			HandlerTimeout:    25 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key", "Last-Event-ID"},
				MaxAge: 86400,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Stream: StreamConfig{
			SubscriberBuffer:  64,
			HeartbeatInterval: 15 * time.Second,
		},
		Workflow: WorkflowConfig{
			StepTimeout:   30 * time.Second,
			CaseTimeout:   10 * time.Minute,
			SweepInterval: 60 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Session: SessionConfig{
			TTL: 12 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}
	for _, name := range []string{CollaboratorDocparse, CollaboratorExtract, CollaboratorVoice, CollaboratorDirectory} {
		svc, ok := c.Collaborators[name]
		if !ok || svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("collaborators.%s.base_url is required", name))
		}
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of memory, redis", c.Idempotency.Store.Driver))
		}
	}
	if c.Session.Enabled && c.Session.SigningKeyEnv == "" {
		errs = append(errs, "session.signing_key_env is required when sessions are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads HANDOFF_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HANDOFF_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HANDOFF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("HANDOFF_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HANDOFF_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
