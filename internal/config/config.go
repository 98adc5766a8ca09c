// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "stagegate"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Roles         RolesConfig         `yaml:"roles"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Evidence      EvidenceConfig      `yaml:"evidence"`
	Notification  NotificationConfig  `yaml:"notification"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"STAGEGATE_SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"STAGEGATE_CORS_ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer" envconfig:"STAGEGATE_IDENTITY_ISSUER"`
	Audience     string            `yaml:"audience" envconfig:"STAGEGATE_IDENTITY_AUDIENCE"`
	JWKSURL      string            `yaml:"jwks_url" envconfig:"STAGEGATE_IDENTITY_JWKS_URL"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// TemplatesConfig describes where to find workflow template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories" envconfig:"STAGEGATE_TEMPLATES_DIRECTORIES"`
}

// RolesConfig describes how token groups map to organizational roles. With
// no mapping file the token roles are used as they are.
type RolesConfig struct {
	MappingFile string      `yaml:"mapping_file" envconfig:"STAGEGATE_ROLES_MAPPING_FILE"`
	Cache       CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store       WorkflowStoreConfig `yaml:"store"`
	MaxRetries  uint64              `yaml:"max_retries"`
	CancelRoles []string            `yaml:"cancel_roles"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver" envconfig:"STAGEGATE_WORKFLOW_STORE_DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"STAGEGATE_WORKFLOW_STORE_DSN"`
	MaxOpenConns    int32         `yaml:"max_open_conns"`
	MinIdleConns    int32         `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver" envconfig:"STAGEGATE_IDEMPOTENCY_STORE_DRIVER"`
	Addr       string        `yaml:"addr" envconfig:"STAGEGATE_REDIS_ADDR"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EvidenceConfig describes where uploaded evidence files are kept.
type EvidenceConfig struct {
	Driver         string   `yaml:"driver" envconfig:"STAGEGATE_EVIDENCE_DRIVER"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	S3             S3Config `yaml:"s3"`
}

// S3Config describes the evidence bucket.
type S3Config struct {
	Bucket   string `yaml:"bucket" envconfig:"STAGEGATE_EVIDENCE_S3_BUCKET"`
	Region   string `yaml:"region" envconfig:"STAGEGATE_EVIDENCE_S3_REGION"`
	Endpoint string `yaml:"endpoint" envconfig:"STAGEGATE_EVIDENCE_S3_ENDPOINT"`
	Prefix   string `yaml:"prefix"`
}

// NotificationConfig describes how transition events leave the process.
type NotificationConfig struct {
	Queue   QueueConfig   `yaml:"queue"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// QueueConfig describes the asynq transition queue.
type QueueConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"STAGEGATE_QUEUE_ENABLED"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"STAGEGATE_QUEUE_REDIS_ADDR"`
	Name        string `yaml:"name"`
	MaxRetry    int    `yaml:"max_retry"`
	Concurrency int    `yaml:"concurrency"`
}

// WebhookConfig describes the endpoint the worker delivers events to.
type WebhookConfig struct {
	URL     string            `yaml:"url" envconfig:"STAGEGATE_WEBHOOK_URL"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Breaker BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig describes when webhook delivery pauses after repeated
// failures.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" envconfig:"STAGEGATE_LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled" envconfig:"STAGEGATE_TRACING_ENABLED"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint" envconfig:"STAGEGATE_TRACING_ENDPOINT"`
	SamplingRate      float64 `yaml:"sampling_rate"`
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
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
		},
		Roles: RolesConfig{
			Cache: CacheConfig{TTL: 5 * time.Minute},
		},
		Workflow: WorkflowConfig{
			MaxRetries: 5,
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MinIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Evidence: EvidenceConfig{
			Driver:         "memory",
			MaxUploadBytes: 32 << 20,
		},
		Notification: NotificationConfig{
			Queue: QueueConfig{
				Name:        "transitions",
				MaxRetry:    10,
				Concurrency: 5,
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Cooldown:         30 * time.Second,
				},
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

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

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
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates.directories must not be empty")
	}

	switch c.Workflow.Store.Driver {
	case "memory":
	case "postgres":
		if c.Workflow.Store.DSN == "" {
			errs = append(errs, "workflow.store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported", c.Workflow.Store.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.Addr == "" {
				errs = append(errs, "idempotency.store.addr is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
		}
	}

	switch c.Evidence.Driver {
	case "memory":
	case "s3":
		if c.Evidence.S3.Bucket == "" {
			errs = append(errs, "evidence.s3.bucket is required for the s3 driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("evidence.driver %q is not supported", c.Evidence.Driver))
	}

	if c.Notification.Queue.Enabled && c.Notification.Queue.RedisAddr == "" {
		errs = append(errs, "notification.queue.redis_addr is required when the queue is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
