// Package config holds the settings shared by the fanflow service, its
// backends, and its runners.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config groups the pub-sub settings required to initialise the service.
// Each backend only uses the keys that are relevant to it.
type Config struct {
	// BackendSystem selects the backing message infrastructure. Supported
	// values: "memory" or "aws" (SNS/SQS).
	BackendSystem string `envconfig:"BACKEND" default:"memory"`

	// Queue defaults, applied to every queue the backend creates.
	// QueueCapacity bounds live entries per queue; zero means unbounded.
	QueueCapacity int `envconfig:"QUEUE_CAPACITY"`
	// VisibilityTimeout is the default invisibility window per receive.
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`
	// MaxReceives is the receive-attempt budget before dead-lettering.
	MaxReceives int `envconfig:"MAX_RECEIVES" default:"3"`
	// DeadLetterSuffix names the companion dead-letter queue for managed
	// backends ("orders-q" -> "orders-q-dlq").
	DeadLetterSuffix string `envconfig:"DEAD_LETTER_SUFFIX" default:"-dlq"`

	// AWS (SNS/SQS) configuration.
	AWSRegion          string `envconfig:"AWS_REGION"`
	AWSAccountID       string `envconfig:"AWS_ACCOUNT_ID"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	// AWSEndpoint optionally points to a custom endpoint (for example,
	// LocalStack in local development).
	AWSEndpoint string `envconfig:"AWS_ENDPOINT"`

	// Runner tuning. Zero values fall back to library defaults.
	RunnerPollInterval    time.Duration `envconfig:"RUNNER_POLL_INTERVAL"`
	RunnerMaxPollInterval time.Duration `envconfig:"RUNNER_MAX_POLL_INTERVAL"`

	// Metrics configuration.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `envconfig:"METRICS_PORT" default:"9090"`

	// Debug API configuration. The debug API exposes runner states and the
	// dead-letter store over HTTP for inspection, redrive, and purge.
	DebugAPIEnabled bool `envconfig:"DEBUG_API_ENABLED"`
	// DebugAPIPort is the port where the debug API will be served.
	DebugAPIPort int `envconfig:"DEBUG_API_PORT" default:"8081"`
	// DebugAPICORSAllowedOrigins lists origins allowed to call the debug API
	// from a browser. "*" allows any origin.
	DebugAPICORSAllowedOrigins []string `envconfig:"DEBUG_API_CORS_ALLOWED_ORIGINS"`
}

// FromEnv loads configuration from environment variables with the given
// prefix (e.g. "FANFLOW" reads FANFLOW_BACKEND, FANFLOW_QUEUE_CAPACITY, ...).
func FromEnv(prefix string) (*Config, error) {
	var c Config
	if err := envconfig.Process(prefix, &c); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	return &c, nil
}

// Getter methods to implement the broker.Config interface.
func (c *Config) GetBackendSystem() string            { return c.BackendSystem }
func (c *Config) GetQueueCapacity() int               { return c.QueueCapacity }
func (c *Config) GetVisibilityTimeout() time.Duration { return c.VisibilityTimeout }
func (c *Config) GetMaxReceives() int                 { return c.MaxReceives }
func (c *Config) GetDeadLetterSuffix() string         { return c.DeadLetterSuffix }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string             { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }

func (c Config) String() string {
	// Create a copy to avoid modifying the original
	copy := c
	if copy.AWSSecretAccessKey != "" {
		copy.AWSSecretAccessKey = "***REDACTED***"
	}
	if copy.AWSAccessKeyID != "" {
		copy.AWSAccessKeyID = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks that the configuration has all required fields for the
// selected backend. Validation of backend names is lenient so custom
// registered backends pass through.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateBackend()...)
	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validateRunner()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateBackend() []error {
	switch strings.ToLower(c.BackendSystem) {
	case "aws":
		if c.AWSRegion == "" {
			return []error{errors.New("aws: region is required")}
		}
	}
	// memory, "", and custom backends have no required config
	return nil
}

func (c *Config) validateQueue() []error {
	var errs []error
	if c.QueueCapacity < 0 {
		errs = append(errs, errors.New("queue: capacity cannot be negative"))
	}
	if c.VisibilityTimeout < 0 {
		errs = append(errs, errors.New("queue: visibility timeout cannot be negative"))
	}
	if c.MaxReceives < 0 {
		errs = append(errs, errors.New("queue: max receives cannot be negative"))
	}
	return errs
}

func (c *Config) validateRunner() []error {
	var errs []error
	if c.RunnerPollInterval < 0 {
		errs = append(errs, errors.New("runner: poll interval cannot be negative"))
	}
	if c.RunnerMaxPollInterval < 0 {
		errs = append(errs, errors.New("runner: max poll interval cannot be negative"))
	}
	if c.RunnerMaxPollInterval > 0 && c.RunnerPollInterval > 0 && c.RunnerPollInterval > c.RunnerMaxPollInterval {
		errs = append(errs, errors.New("runner: poll interval cannot exceed max poll interval"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.DebugAPIPort < 0 || c.DebugAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("debug api: invalid port %d", c.DebugAPIPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
