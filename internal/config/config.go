// Package config provides configuration types and loading for the
// credential pool service.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingSetting indicates a required configuration setting is absent.
var ErrMissingSetting = errors.New("required setting missing")

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	return target == ErrMissingSetting && errors.Is(e.Cause, ErrMissingSetting)
}

// Config is the root configuration for the service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Pool       PoolConfig       `yaml:"pool"`
	Selector   SelectorConfig   `yaml:"selector"`
	Validation ValidationConfig `yaml:"validation"`
	Retry      RetryConfig      `yaml:"retry"`
}

// ServerConfig holds the admin/ops HTTP server configuration.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	AdminToken      string   `yaml:"adminToken"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sampleRate"`
	Environment string  `yaml:"environment"`
}

// RedisConfig holds the backing state store configuration.
type RedisConfig struct {
	Address      string   `yaml:"address"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	Prefix       string   `yaml:"prefix"`
	PoolSize     int      `yaml:"poolSize"`
	MinIdleConns int      `yaml:"minIdleConns"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// CacheConfig holds the active-set cache backend configuration.
type CacheConfig struct {
	// Backend selects where the cached active id set lives: "redis"
	// shares it across replicas through the state store, "memory"
	// keeps a per-process copy.
	Backend string `yaml:"backend"`

	// MaxEntries bounds the in-memory backend.
	MaxEntries int `yaml:"maxEntries"`
}

// UpstreamConfig holds the upstream transport configuration.
type UpstreamConfig struct {
	// BaseURL is the upstream API base URL. Required.
	BaseURL string `yaml:"baseURL"`

	// AuthHeader is the header carrying the credential secret.
	AuthHeader string `yaml:"authHeader"`

	// Timeout applies to every proxied request.
	Timeout Duration `yaml:"timeout"`

	// MaxConns bounds the upstream connection pool, independent of the
	// Redis pool so backpressure on one does not starve the other.
	MaxConns        int      `yaml:"maxConns"`
	MaxIdleConns    int      `yaml:"maxIdleConns"`
	IdleConnTimeout Duration `yaml:"idleConnTimeout"`
}

// PoolConfig holds credential pool behavior configuration.
type PoolConfig struct {
	// MaxFailedCount is the failure threshold that flips an active
	// credential to error.
	MaxFailedCount int `yaml:"maxFailedCount"`

	// BucketCapacity is the default token bucket capacity.
	BucketCapacity int `yaml:"bucketCapacity"`

	// BucketRefillRate is the default tokens-per-second refill rate.
	BucketRefillRate float64 `yaml:"bucketRefillRate"`

	// BucketTTL is the idle expiry for bucket state.
	BucketTTL Duration `yaml:"bucketTTL"`

	// ActiveSetTTL bounds staleness of the cached active id set.
	ActiveSetTTL Duration `yaml:"activeSetTTL"`
}

// SelectorConfig holds progressive-sampling selection configuration.
type SelectorConfig struct {
	InitialSampleSize int `yaml:"initialSampleSize"`
	MaxSampleSize     int `yaml:"maxSampleSize"`
	ExpansionFactor   int `yaml:"expansionFactor"`
	MaxAttempts       int `yaml:"maxAttempts"`
}

// ValidationConfig holds the validation scheduler configuration.
// An interval of zero disables the corresponding job.
type ValidationConfig struct {
	ActiveInterval    Duration `yaml:"activeInterval"`
	ExhaustedInterval Duration `yaml:"exhaustedInterval"`
	ErrorInterval     Duration `yaml:"errorInterval"`

	// Workers bounds the concurrent probe pool (1-10).
	Workers int `yaml:"workers"`

	// ProbeTimeout applies to each synthetic upstream call.
	ProbeTimeout Duration `yaml:"probeTimeout"`

	// ProbesPerSecond paces probes within a pass; zero means unpaced.
	ProbesPerSecond float64 `yaml:"probesPerSecond"`

	// Model is the upstream model name used for synthetic probes.
	Model string `yaml:"model"`

	// TaskTTL is how long bulk validation task records are retained.
	TaskTTL Duration `yaml:"taskTTL"`
}

// RetryConfig holds proxy retry configuration.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	BackoffFactor  float64  `yaml:"backoffFactor"`
	Jitter         float64  `yaml:"jitter"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-grpc",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
			Environment: "development",
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			Prefix:       "keypool:",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
		},
		Cache: CacheConfig{
			Backend:    "redis",
			MaxEntries: 1024,
		},
		Upstream: UpstreamConfig{
			AuthHeader:      "x-goog-api-key",
			Timeout:         Duration(60 * time.Second),
			MaxConns:        100,
			MaxIdleConns:    20,
			IdleConnTimeout: Duration(30 * time.Second),
		},
		Pool: PoolConfig{
			MaxFailedCount:   3,
			BucketCapacity:   20,
			BucketRefillRate: 1.0,
			BucketTTL:        Duration(time.Hour),
			ActiveSetTTL:     Duration(5 * time.Minute),
		},
		Selector: SelectorConfig{
			InitialSampleSize: 200,
			MaxSampleSize:     1000,
			ExpansionFactor:   2,
			MaxAttempts:       3,
		},
		Validation: ValidationConfig{
			ActiveInterval:    Duration(10 * time.Minute),
			ExhaustedInterval: Duration(30 * time.Minute),
			ErrorInterval:     Duration(time.Hour),
			Workers:           5,
			ProbeTimeout:      Duration(10 * time.Second),
			ProbesPerSecond:   0,
			Model:             "gemini-1.5-flash",
			TaskTTL:           Duration(time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(10 * time.Second),
			BackoffFactor:  2.0,
			Jitter:         0.2,
		},
	}
}

// Validate checks required settings and normalizes out-of-range values.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return &ConfigError{
			Field:   "upstream.baseURL",
			Message: "upstream base URL must be configured",
			Cause:   ErrMissingSetting,
		}
	}

	if c.Pool.MaxFailedCount <= 0 {
		c.Pool.MaxFailedCount = 3
	}
	if c.Pool.BucketCapacity <= 0 {
		c.Pool.BucketCapacity = 20
	}
	if c.Pool.BucketRefillRate <= 0 {
		c.Pool.BucketRefillRate = 1.0
	}
	if c.Pool.BucketTTL <= 0 {
		c.Pool.BucketTTL = Duration(time.Hour)
	}
	if c.Pool.ActiveSetTTL <= 0 {
		c.Pool.ActiveSetTTL = Duration(5 * time.Minute)
	}

	switch c.Cache.Backend {
	case "redis", "memory":
	case "":
		c.Cache.Backend = "redis"
	default:
		return &ConfigError{
			Field:   "cache.backend",
			Message: fmt.Sprintf("unknown backend %q, want redis or memory", c.Cache.Backend),
		}
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}

	if c.Selector.InitialSampleSize <= 0 {
		c.Selector.InitialSampleSize = 200
	}
	if c.Selector.MaxSampleSize < c.Selector.InitialSampleSize {
		c.Selector.MaxSampleSize = c.Selector.InitialSampleSize
	}
	if c.Selector.ExpansionFactor < 2 {
		c.Selector.ExpansionFactor = 2
	}
	if c.Selector.MaxAttempts <= 0 {
		c.Selector.MaxAttempts = 3
	}

	if c.Validation.Workers < 1 {
		c.Validation.Workers = 1
	}
	if c.Validation.Workers > 10 {
		c.Validation.Workers = 10
	}
	if c.Validation.ProbeTimeout <= 0 {
		c.Validation.ProbeTimeout = Duration(10 * time.Second)
	}
	if c.Validation.Model == "" {
		c.Validation.Model = "gemini-1.5-flash"
	}
	if c.Validation.TaskTTL <= 0 {
		c.Validation.TaskTTL = Duration(time.Hour)
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = Duration(time.Second)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		c.Retry.MaxBackoff = Duration(10 * time.Second)
	}
	if c.Retry.BackoffFactor <= 1 {
		c.Retry.BackoffFactor = 2.0
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		c.Retry.Jitter = 0.2
	}

	return nil
}
