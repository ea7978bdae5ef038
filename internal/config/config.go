// Package config implements the recognized configuration options of
// spec.md §6, following the teacher's yaml-tagged-struct-plus-validate
// convention (internal/transport.Config/RateLimitConfig).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheBackendKind selects the storage backend for Cache/RetryBudget.
type CacheBackendKind string

const (
	BackendMemory CacheBackendKind = "memory"
	BackendRedis  CacheBackendKind = "redis"
)

// CacheConfig configures the Cache component (spec.md §4.2, §6).
type CacheConfig struct {
	Backend    CacheBackendKind `yaml:"backend"`
	RedisAddr  string           `yaml:"redisAddr"`
	Compress   bool             `yaml:"compress"`
	// CompressMinBytes is the smallest body that gets gzip-compressed
	// before storage; smaller bodies are stored identity-encoded
	// because the gzip framing overhead would dominate.
	CompressMinBytes int           `yaml:"compressMinBytes"`
	TTL              time.Duration `yaml:"ttl"`
}

func (c *CacheConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.CompressMinBytes == 0 {
		c.CompressMinBytes = 4096
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
}

// RetryBudgetConfig configures the RetryBudget component (spec.md
// §4.1, §6).
type RetryBudgetConfig struct {
	Backend      CacheBackendKind `yaml:"backend"`
	RedisAddr    string           `yaml:"redisAddr"`
	Retention    time.Duration    `yaml:"retention"`
	MinSamples   int              `yaml:"minSamples"`
	WindowLength int              `yaml:"windowLength"` // max observations retained per URL in-memory
}

func (c *RetryBudgetConfig) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Retention == 0 {
		c.Retention = 10 * time.Minute
	}
	if c.MinSamples == 0 {
		c.MinSamples = 20
	}
	if c.WindowLength == 0 {
		c.WindowLength = 1000
	}
}

// Config is the complete federator configuration, unmarshalled from
// YAML the way the teacher's transport.Config is.
type Config struct {
	// PoolSize caps concurrent workers per request (spec.md §4.3, §6).
	PoolSize int `yaml:"poolSize"`

	// EndpointConnectionLimit caps outgoing HTTP connections per
	// endpoint pool (spec.md §5, §6).
	EndpointConnectionLimit int `yaml:"endpointConnectionLimit"`

	// RoutingConnectionLimit caps outgoing HTTP connections in the
	// distinct routing pool (spec.md §5).
	RoutingConnectionLimit int `yaml:"routingConnectionLimit"`

	// BufferRolloverSize is the number of bytes buffered in memory
	// before a response spools to disk (0 = never spill).
	BufferRolloverSize int64 `yaml:"bufferRolloverSize"`

	// TempDir is the spool directory.
	TempDir string `yaml:"tempDir"`

	// SplittingFactor is how many sub-epochs a 413 split produces (>=2).
	SplittingFactor int `yaml:"splittingFactor"`

	// FallbackMSEEDRecordSize is the splitting floor in bytes when
	// blockette 1000 is absent; must be a positive multiple of 64.
	FallbackMSEEDRecordSize int `yaml:"fallbackMseedRecordSize"`

	// StreamingTimeout bounds the gap between consecutive drained
	// priorities (spec.md §4.6).
	StreamingTimeout time.Duration `yaml:"streamingTimeout"`

	// MaxStreamEpochDuration and MaxTotalStreamEpochDuration are
	// expressed in days, per spec.md §4.4 / §6.
	MaxStreamEpochDurationDays      float64 `yaml:"maxStreamEpochDurationDays"`
	MaxTotalStreamEpochDurationDays float64 `yaml:"maxTotalStreamEpochDurationDays"`

	// ClientRetryBudgetThreshold is the error-ratio cutoff in percent
	// (0..100) above which an endpoint is skipped for routing.
	ClientRetryBudgetThreshold float64 `yaml:"clientRetryBudgetThreshold"`

	URLRouting            string `yaml:"urlRouting"`
	EndpointRequestMethod string `yaml:"endpointRequestMethod"`
	ProxyNetloc           string `yaml:"proxyNetloc"`

	Cache       CacheConfig       `yaml:"cacheConfig"`
	RetryBudget RetryBudgetConfig `yaml:"retryBudgetConfig"`

	LogLevel  string `yaml:"logLevel"`
	LogJSON   bool   `yaml:"logJson"`
	HTTPAddr  string `yaml:"httpAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// MaxStreamEpochDuration is MaxStreamEpochDurationDays as a
// time.Duration.
func (c Config) MaxStreamEpochDuration() time.Duration {
	return time.Duration(c.MaxStreamEpochDurationDays * float64(24*time.Hour))
}

// MaxTotalStreamEpochDuration is MaxTotalStreamEpochDurationDays as a
// time.Duration.
func (c Config) MaxTotalStreamEpochDuration() time.Duration {
	return time.Duration(c.MaxTotalStreamEpochDurationDays * float64(24*time.Hour))
}

// Default returns a Config with sane defaults for every field, the way
// the teacher's app wiring defaults RateLimitConfig before validate().
func Default() Config {
	cfg := Config{
		PoolSize:                        20,
		EndpointConnectionLimit:         10,
		RoutingConnectionLimit:          4,
		BufferRolloverSize:              5 << 20,
		TempDir:                         os.TempDir(),
		SplittingFactor:                 2,
		FallbackMSEEDRecordSize:         512,
		StreamingTimeout:                60 * time.Second,
		MaxStreamEpochDurationDays:      365,
		MaxTotalStreamEpochDurationDays: 365 * 5,
		ClientRetryBudgetThreshold:      50,
		EndpointRequestMethod:           "GET",
		LogLevel:                        "info",
		HTTPAddr:                        ":8080",
		MetricsAddr:                     ":9090",
	}
	cfg.Cache.setDefaults()
	cfg.RetryBudget.setDefaults()
	return cfg
}

// Load reads and unmarshals a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.Cache.setDefaults()
	cfg.RetryBudget.setDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the invariants spec.md §6 implies: splitting factor
// >= 2, the mseed fallback record size a positive multiple of 64, and
// the routing URL being set.
func (c Config) Validate() error {
	if c.URLRouting == "" {
		return fmt.Errorf("%w: urlRouting", ErrMissingField)
	}
	if c.SplittingFactor < 2 {
		return fmt.Errorf("%w: splittingFactor must be >= 2, got %d", ErrInvalidField, c.SplittingFactor)
	}
	if c.FallbackMSEEDRecordSize <= 0 || c.FallbackMSEEDRecordSize%64 != 0 {
		return fmt.Errorf("%w: fallbackMseedRecordSize must be a positive multiple of 64, got %d",
			ErrInvalidField, c.FallbackMSEEDRecordSize)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: poolSize must be positive, got %d", ErrInvalidField, c.PoolSize)
	}
	return nil
}
