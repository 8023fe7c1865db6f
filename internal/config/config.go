// Package config loads settings from an optional YAML file and environment
// variables. Environment variables win over the file; defaults fill the
// rest. Only the database URL is required.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string. Required.
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the controller.
	HTTPPort int `mapstructure:"port"`

	// Bearer token required on mutating controller endpoints. Empty
	// disables authentication, for local development only.
	InternalToken string `mapstructure:"internal_token"`

	// Controller-wide request rate limit (requests per second, burst).
	RequestRate  float64 `mapstructure:"request_rate"`
	RequestBurst int     `mapstructure:"request_burst"`

	// Worker pull-loop settings.
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	WorkerPollInterval time.Duration `mapstructure:"worker_poll_interval"`
	WorkerMaxBackoff   time.Duration `mapstructure:"worker_max_backoff"`
	WorkerDispatchRate float64       `mapstructure:"worker_dispatch_rate"`

	// Claim and lifecycle policy.
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	PreviewTTL       time.Duration `mapstructure:"preview_ttl"`
	MaxRetryCount    int           `mapstructure:"max_retry_count"`

	// Queue redelivery policy.
	QueueVisibilityTimeout time.Duration `mapstructure:"queue_visibility_timeout"`
	QueueMaxAttempts       int           `mapstructure:"queue_max_attempts"`
	QueueRetryWindow       time.Duration `mapstructure:"queue_retry_window"`

	// Sweeper settings.
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`

	// Provisioner selection and Docker settings.
	Provisioner         string `mapstructure:"provisioner"`
	DockerImageTemplate string `mapstructure:"docker_image_template"`
	DockerURLTemplate   string `mapstructure:"docker_url_template"`

	// Status notification webhook. Empty endpoint disables notifications.
	NotifyEndpoint string `mapstructure:"notify_endpoint"`
	NotifyToken    string `mapstructure:"notify_token"`

	// Metrics listen port for worker and sweeper processes. The
	// controller serves /metrics on its main port.
	MetricsPort int `mapstructure:"metrics_port"`

	// URL of the controller, used by the CLI.
	ControllerURL string `mapstructure:"controller_url"`

	// OTLP collector endpoint for traces.
	OTELEndpoint string `mapstructure:"otel_endpoint"`
}

// envBindings maps config keys to the environment variables that override
// them.
var envBindings = map[string]string{
	"database_url":             "PREVIEWPLANE_DATABASE_URL",
	"port":                     "PREVIEWPLANE_PORT",
	"internal_token":           "PREVIEWPLANE_INTERNAL_TOKEN",
	"request_rate":             "PREVIEWPLANE_REQUEST_RATE",
	"request_burst":            "PREVIEWPLANE_REQUEST_BURST",
	"worker_concurrency":       "PREVIEWPLANE_WORKER_CONCURRENCY",
	"worker_poll_interval":     "PREVIEWPLANE_WORKER_POLL_INTERVAL",
	"worker_max_backoff":       "PREVIEWPLANE_WORKER_MAX_BACKOFF",
	"worker_dispatch_rate":     "PREVIEWPLANE_WORKER_DISPATCH_RATE",
	"lease_duration":           "PREVIEWPLANE_LEASE_DURATION",
	"provision_timeout":        "PREVIEWPLANE_PROVISION_TIMEOUT",
	"preview_ttl":              "PREVIEWPLANE_PREVIEW_TTL",
	"max_retry_count":          "PREVIEWPLANE_MAX_RETRY_COUNT",
	"queue_visibility_timeout": "PREVIEWPLANE_QUEUE_VISIBILITY_TIMEOUT",
	"queue_max_attempts":       "PREVIEWPLANE_QUEUE_MAX_ATTEMPTS",
	"queue_retry_window":       "PREVIEWPLANE_QUEUE_RETRY_WINDOW",
	"sweep_interval":           "PREVIEWPLANE_SWEEP_INTERVAL",
	"sweep_batch_size":         "PREVIEWPLANE_SWEEP_BATCH_SIZE",
	"provisioner":              "PREVIEWPLANE_PROVISIONER",
	"docker_image_template":    "PREVIEWPLANE_DOCKER_IMAGE_TEMPLATE",
	"docker_url_template":      "PREVIEWPLANE_DOCKER_URL_TEMPLATE",
	"notify_endpoint":          "PREVIEWPLANE_NOTIFY_ENDPOINT",
	"notify_token":             "PREVIEWPLANE_NOTIFY_TOKEN",
	"metrics_port":             "PREVIEWPLANE_METRICS_PORT",
	"controller_url":           "PREVIEWPLANE_CONTROLLER_URL",
	"otel_endpoint":            "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from the YAML file at path (optional, may be
// empty) and from environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 7171)
	v.SetDefault("request_rate", 50.0)
	v.SetDefault("request_burst", 100)
	v.SetDefault("worker_concurrency", 50)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_dispatch_rate", 10.0)
	v.SetDefault("lease_duration", 7*time.Minute)
	v.SetDefault("provision_timeout", 2*time.Minute)
	v.SetDefault("preview_ttl", 4*time.Hour)
	v.SetDefault("max_retry_count", 5)
	v.SetDefault("queue_visibility_timeout", 5*time.Minute)
	v.SetDefault("queue_max_attempts", 5)
	v.SetDefault("queue_retry_window", time.Hour)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("sweep_batch_size", 100)
	v.SetDefault("provisioner", "docker")
	v.SetDefault("docker_image_template", "ghcr.io/%s:%s")
	v.SetDefault("docker_url_template", "http://%s.preview.localhost")
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("controller_url", "http://localhost:7171")
	v.SetDefault("otel_endpoint", "localhost:4317")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Environment values arrive as strings; let the decoder coerce them
	// into ints, floats and durations.
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required (env: PREVIEWPLANE_DATABASE_URL)")
	}
	if cfg.Provisioner != "docker" {
		return nil, fmt.Errorf("unknown provisioner %q", cfg.Provisioner)
	}

	return &cfg, nil
}
