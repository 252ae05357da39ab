// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig        `yaml:"server"`
	Identity       IdentityConfig      `yaml:"identity"`
	Policy         PolicyConfig        `yaml:"policy"`
	Workflow       WorkflowConfig      `yaml:"workflow"`
	ContractTokens ContractTokenConfig `yaml:"contract_tokens"`
	Idempotency    IdempotencyConfig   `yaml:"idempotency"`
	Notifier       NotifierConfig      `yaml:"notifier"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	PublicRateLimit RateLimitConfig `yaml:"public_rate_limit"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles unauthenticated routes per client address.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	ClockSkew    time.Duration     `yaml:"clock_skew"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// PolicyConfig points at an optional allow-list override file.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	ContractWindow      time.Duration       `yaml:"contract_window"`
	AutoOpenContract    bool                `yaml:"auto_open_contract"`
	ExpirySweepInterval time.Duration       `yaml:"expiry_sweep_interval"`
	Store               WorkflowStoreConfig `yaml:"store"`
}

// WorkflowStoreConfig describes entity persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

// ContractTokenConfig describes signing of public contract submission tokens.
type ContractTokenConfig struct {
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
}

// IdempotencyConfig describes idempotency store settings.
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

// NotifierConfig describes asynchronous notification delivery.
type NotifierConfig struct {
	Workers        int                  `yaml:"workers"`
	QueueSize      int                  `yaml:"queue_size"`
	DeliverTimeout time.Duration        `yaml:"deliver_timeout"`
	Log            bool                 `yaml:"log"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// KafkaConfig describes the Kafka notification sink.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CircuitBreakerConfig describes circuit breaker settings per sink.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
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
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key", "X-Contract-Token"},
				MaxAge: 86400,
			},
			PublicRateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 1,
				Burst:             5,
				IdleTTL:           10 * time.Minute,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			ClockSkew:    30 * time.Second,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Workflow: WorkflowConfig{
			ContractWindow:      7 * 24 * time.Hour,
			AutoOpenContract:    true,
			ExpirySweepInterval: 60 * time.Second,
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				DSNEnv:          "ADOPTION_DATABASE_URL",
				MaxConns:        25,
				MinConns:        2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		ContractTokens: ContractTokenConfig{
			SecretEnv: "ADOPTION_CONTRACT_TOKEN_SECRET",
			Issuer:    "adoption",
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "ADOPTION_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notifier: NotifierConfig{
			Workers:        4,
			QueueSize:      1024,
			DeliverTimeout: 5 * time.Second,
			Log:            true,
			Kafka: KafkaConfig{
				Topic:        "adoption.notifications",
				WriteTimeout: 10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
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
	if rl := c.Server.PublicRateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst < 1) {
		errs = append(errs, "server.public_rate_limit requires a positive rate and burst")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	if c.Workflow.ContractWindow <= 0 {
		errs = append(errs, "workflow.contract_window must be positive")
	}
	if c.Workflow.ExpirySweepInterval <= 0 {
		errs = append(errs, "workflow.expiry_sweep_interval must be positive")
	}
	switch c.Workflow.Store.Driver {
	case "memory":
	case "postgres":
		if c.Workflow.Store.DSNEnv == "" {
			errs = append(errs, "workflow.store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported (memory, postgres)", c.Workflow.Store.Driver))
	}

	if c.ContractTokens.SecretEnv == "" {
		errs = append(errs, "contract_tokens.secret_env is required")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
	}

	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported (json, console)", c.Observability.LogFormat))
	}

	if c.Notifier.Workers < 1 {
		errs = append(errs, "notifier.workers must be at least 1")
	}
	if c.Notifier.QueueSize < 1 {
		errs = append(errs, "notifier.queue_size must be at least 1")
	}
	if c.Notifier.Kafka.Enabled {
		if len(c.Notifier.Kafka.Brokers) == 0 {
			errs = append(errs, "notifier.kafka.brokers is required when kafka is enabled")
		}
		if c.Notifier.Kafka.Topic == "" {
			errs = append(errs, "notifier.kafka.topic is required when kafka is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ADOPTION_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADOPTION_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ADOPTION_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ADOPTION_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ADOPTION_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ADOPTION_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ADOPTION_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("ADOPTION_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("ADOPTION_WORKFLOW_CONTRACT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.ContractWindow = d
		}
	}
	if v := os.Getenv("ADOPTION_POLICY_FILE"); v != "" {
		cfg.Policy.File = v
	}
	if v := os.Getenv("ADOPTION_NOTIFIER_KAFKA_BROKERS"); v != "" {
		cfg.Notifier.Kafka.Brokers = strings.Split(v, ",")
		cfg.Notifier.Kafka.Enabled = true
	}
}
