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
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Signing       SigningConfig       `yaml:"signing"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadBytes bounds request bodies, including signature images.
	MaxUploadBytes int64      `yaml:"max_upload_bytes"`
	CORS           CORSConfig `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how admin bearer tokens are verified. Tokens are
// HS256 JWTs signed with the secret read from SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// Secret returns the signing secret from the configured environment variable.
func (c IdentityConfig) Secret() string {
	if c.SecretEnv == "" {
		return ""
	}
	return os.Getenv(c.SecretEnv)
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// StoreConfig describes persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the connection string from the configured environment variable.
func (c StoreConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// RedisConfig describes the Redis instance used for job leases and
// idempotency keys. An empty AddrEnv disables Redis.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// Addr returns the Redis address from the configured environment variable.
func (c RedisConfig) Addr() string {
	if c.AddrEnv == "" {
		return ""
	}
	return os.Getenv(c.AddrEnv)
}

// DocumentsConfig describes where contract documents, signature images and
// certificates are kept.
type DocumentsConfig struct {
	// BucketURL is a gocloud blob URL such as mem:// or file:///var/lib/covenant.
	BucketURL string `yaml:"bucket_url"`
}

// SigningConfig describes signing session settings.
type SigningConfig struct {
	SessionTTL    time.Duration `yaml:"session_ttl"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	ReminderAge   time.Duration `yaml:"reminder_age"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

// EscalationConfig describes escalation scan settings.
type EscalationConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// JobsConfig describes the periodic background jobs. Each spec is a cron
// expression; an empty spec disables the job.
type JobsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	EscalationCheck string        `yaml:"escalation_check"`
	SessionExpiry   string        `yaml:"session_expiry"`
	SigningReminder string        `yaml:"signing_reminder"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
}

// NotificationsConfig describes the notification bus.
type NotificationsConfig struct {
	Topic      string        `yaml:"topic"`
	Buffer     int64         `yaml:"buffer"`
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	// AwaitDelivery makes every publish wait until the dispatcher has
	// handed the notification to its sender. The operator CLI sets it so
	// that tokens issued by a one-shot sweep are delivered before exit.
	AwaitDelivery bool `yaml:"await_delivery"`
}

// IdempotencyConfig describes idempotency key settings for admin writes.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
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
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  5 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Request-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "COVENANT_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "COVENANT_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Documents: DocumentsConfig{
			BucketURL: "mem://",
		},
		Signing: SigningConfig{
			SessionTTL:  720 * time.Hour,
			TokenTTL:    168 * time.Hour,
			ReminderAge: 72 * time.Hour,
		},
		Escalation: EscalationConfig{
			BatchSize: 100,
		},
		Jobs: JobsConfig{
			Enabled:         true,
			EscalationCheck: "@every 15m",
			SessionExpiry:   "@every 1h",
			SigningReminder: "@daily",
			LeaseTTL:        10 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Topic:      "covenant.notifications",
			Buffer:     256,
			MaxRetries: 3,
			RetryBase:  200 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			DefaultTTL: 24 * time.Hour,
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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Documents.BucketURL == "" {
		errs = append(errs, "documents.bucket_url is required")
	}
	if c.Signing.SessionTTL <= 0 {
		errs = append(errs, "signing.session_ttl must be positive")
	}
	if c.Signing.TokenTTL <= 0 {
		errs = append(errs, "signing.token_ttl must be positive")
	}
	if c.Signing.ReminderAge <= 0 {
		errs = append(errs, "signing.reminder_age must be positive")
	}
	if c.Escalation.BatchSize < 1 {
		errs = append(errs, "escalation.batch_size must be at least 1")
	}
	if c.Jobs.Enabled && c.Jobs.LeaseTTL <= 0 {
		errs = append(errs, "jobs.lease_ttl must be positive when jobs are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads COVENANT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COVENANT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("COVENANT_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("COVENANT_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("COVENANT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("COVENANT_DOCUMENTS_BUCKET_URL"); v != "" {
		cfg.Documents.BucketURL = v
	}
	if v := os.Getenv("COVENANT_SIGNING_PUBLIC_BASE_URL"); v != "" {
		cfg.Signing.PublicBaseURL = v
	}
	if v := os.Getenv("COVENANT_JOBS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Jobs.Enabled = b
		}
	}
	if v := os.Getenv("COVENANT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
