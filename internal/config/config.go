package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TIERCACHE_"

// Cold tier backends.
const (
	BackendFile  = "file"
	BackendS3    = "s3"
	BackendRedis = "redis"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig     `yaml:"global"`
	Cache   MultiLayerConfig `yaml:"cache"`
	Metrics MetricsConfig    `yaml:"metrics"`
	API     APIConfig        `yaml:"api"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
	APIPort     int    `yaml:"api_port"`
}

// MultiLayerConfig configures the tiered cache. It is copied at construction
// and never mutated afterwards.
type MultiLayerConfig struct {
	L1MaxSize        int    `yaml:"l1_max_size"`
	L1EvictionPolicy string `yaml:"l1_eviction_policy"`
	L1Shards         int    `yaml:"l1_shards"` // 0 = derive from GOMAXPROCS

	L2CachePath      string `yaml:"l2_cache_path"`
	L2MaxSize        int    `yaml:"l2_max_size"`
	L2EvictionPolicy string `yaml:"l2_eviction_policy"`

	L3CacheDir           string          `yaml:"l3_cache_dir"`
	L3MaxSize            int             `yaml:"l3_max_size"`
	L3Compression        bool            `yaml:"l3_compression"`
	L3EvictionPolicy     string          `yaml:"l3_eviction_policy"`
	L3Backend            string          `yaml:"l3_backend"`
	L3S3                 S3TierConfig    `yaml:"l3_s3"`
	L3Redis              RedisTierConfig `yaml:"l3_redis"`
	L3CompactionSchedule string          `yaml:"l3_compaction_schedule"`
	L3RetryAttempts      int             `yaml:"l3_retry_attempts"` // remote backends only; 1 disables retries

	EnablePreloading bool          `yaml:"enable_preloading"`
	PreloadWorkers   int           `yaml:"preload_workers"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
}

// S3TierConfig configures the S3 cold tier backend
type S3TierConfig struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// RedisTierConfig configures the Redis cold tier backend
type RedisTierConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	Prefix         string        `yaml:"prefix"`
	PoolSize       int           `yaml:"pool_size"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MetricsConfig represents metrics export settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig represents the admin HTTP API settings
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "console",
			MetricsPort: 9090,
			APIPort:     8080,
		},
		Cache: DefaultMultiLayerConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		API: APIConfig{
			Enabled:         true,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// DefaultMultiLayerConfig returns the default tier layout
func DefaultMultiLayerConfig() MultiLayerConfig {
	return MultiLayerConfig{
		L1MaxSize:        10000,
		L1EvictionPolicy: string(policy.LRU),
		L2CachePath:      filepath.Join("data", "l2_cache.snapshot"),
		L2MaxSize:        50000,
		L2EvictionPolicy: string(policy.FIFO),
		L3CacheDir:       filepath.Join("data", "l3_cache"),
		L3MaxSize:        100000,
		L3Compression:    true,
		L3EvictionPolicy: string(policy.FIFO),
		L3Backend:        BackendFile,
		L3S3: S3TierConfig{
			Region:         "us-east-1",
			Prefix:         "tiercache/",
			RequestTimeout: 5 * time.Second,
		},
		L3Redis: RedisTierConfig{
			Addr:           "localhost:6379",
			Prefix:         "tiercache:",
			PoolSize:       10,
			DialTimeout:    5 * time.Second,
			RequestTimeout: 2 * time.Second,
		},
		L3RetryAttempts:  3,
		EnablePreloading: true,
		PreloadWorkers:   4,
		SyncInterval:     30 * time.Second,
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithDetail("file", filename)
	}

	return nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadDotEnv(filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(filename); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to load env file", err).
			WithDetail("file", filename)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	// Global settings
	e.setStr("LOG_LEVEL", &c.Global.LogLevel)
	e.setStr("LOG_FILE", &c.Global.LogFile)
	e.setStr("LOG_FORMAT", &c.Global.LogFormat)
	e.setInt("METRICS_PORT", &c.Global.MetricsPort)
	e.setInt("API_PORT", &c.Global.APIPort)

	// Tiers
	m := &c.Cache
	e.setInt("L1_MAX_SIZE", &m.L1MaxSize)
	e.setStr("L1_EVICTION_POLICY", &m.L1EvictionPolicy)
	e.setInt("L1_SHARDS", &m.L1Shards)
	e.setStr("L2_CACHE_PATH", &m.L2CachePath)
	e.setInt("L2_MAX_SIZE", &m.L2MaxSize)
	e.setStr("L2_EVICTION_POLICY", &m.L2EvictionPolicy)
	e.setStr("L3_CACHE_DIR", &m.L3CacheDir)
	e.setInt("L3_MAX_SIZE", &m.L3MaxSize)
	e.setBool("L3_COMPRESSION", &m.L3Compression)
	e.setStr("L3_EVICTION_POLICY", &m.L3EvictionPolicy)
	e.setStr("L3_BACKEND", &m.L3Backend)
	e.setStr("L3_COMPACTION_SCHEDULE", &m.L3CompactionSchedule)
	e.setInt("L3_RETRY_ATTEMPTS", &m.L3RetryAttempts)
	e.setBool("ENABLE_PRELOADING", &m.EnablePreloading)
	e.setInt("PRELOAD_WORKERS", &m.PreloadWorkers)
	e.setDuration("SYNC_INTERVAL", &m.SyncInterval)
	e.setDuration("DEFAULT_TTL", &m.DefaultTTL)

	// Remote backends
	e.setStr("S3_BUCKET", &m.L3S3.Bucket)
	e.setStr("S3_REGION", &m.L3S3.Region)
	e.setStr("S3_PREFIX", &m.L3S3.Prefix)
	e.setStr("S3_ENDPOINT", &m.L3S3.Endpoint)
	e.setBool("S3_USE_PATH_STYLE", &m.L3S3.UsePathStyle)
	e.setStr("REDIS_ADDR", &m.L3Redis.Addr)
	e.setStr("REDIS_PASSWORD", &m.L3Redis.Password)
	e.setInt("REDIS_DB", &m.L3Redis.DB)
	e.setStr("REDIS_PREFIX", &m.L3Redis.Prefix)

	// Surfaces
	e.setBool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.setBool("API_ENABLED", &c.API.Enabled)

	if len(e.errs) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment variables: "+strings.Join(e.errs, "; "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "", "console", "json":
	default:
		return invalid("invalid log_format: %s (must be console or json)", c.Global.LogFormat)
	}

	if c.Metrics.Enabled && c.API.Enabled && c.Global.MetricsPort == c.Global.APIPort {
		return invalid("metrics_port and api_port cannot be the same")
	}

	return c.Cache.Validate()
}

// Validate checks tier capacities, policies and backend settings.
func (m *MultiLayerConfig) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"l1_max_size", m.L1MaxSize},
		{"l2_max_size", m.L2MaxSize},
		{"l3_max_size", m.L3MaxSize},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return invalid("%s must be greater than 0", s.name)
		}
	}

	if m.L1Shards < 0 {
		return invalid("l1_shards must not be negative")
	}

	policies := []struct {
		name string
		v    string
	}{
		{"l1_eviction_policy", m.L1EvictionPolicy},
		{"l2_eviction_policy", m.L2EvictionPolicy},
		{"l3_eviction_policy", m.L3EvictionPolicy},
	}
	for _, p := range policies {
		if _, err := policy.Parse(p.v); err != nil {
			return invalid("%s: %v", p.name, err)
		}
	}

	if m.L2CachePath == "" {
		return invalid("l2_cache_path is required")
	}

	switch m.L3Backend {
	case BackendFile, "":
		if m.L3CacheDir == "" {
			return invalid("l3_cache_dir is required for the file backend")
		}
	case BackendS3:
		if m.L3S3.Bucket == "" {
			return invalid("l3_s3.bucket is required for the s3 backend")
		}
		if (m.L3S3.AccessKeyID == "") != (m.L3S3.SecretAccessKey == "") {
			return invalid("l3_s3 access_key_id and secret_access_key must be set together")
		}
	case BackendRedis:
		if m.L3Redis.Addr == "" {
			return invalid("l3_redis.addr is required for the redis backend")
		}
	default:
		return invalid("unknown l3_backend: %s (must be one of: file, s3, redis)", m.L3Backend)
	}

	if m.L3RetryAttempts < 0 {
		return invalid("l3_retry_attempts must not be negative")
	}
	if m.PreloadWorkers < 1 {
		return invalid("preload_workers must be at least 1")
	}
	if m.SyncInterval < 0 {
		return invalid("sync_interval must not be negative")
	}
	if m.DefaultTTL < 0 {
		return invalid("default_ttl must not be negative")
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

// envReader applies TIERCACHE_* overrides and collects parse failures.
type envReader struct {
	errs []string
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	return val, ok && val != ""
}

func (e *envReader) setStr(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) setInt(name string, dst *int) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s=%q is not an integer", EnvPrefix, name, val))
		return
	}
	*dst = n
}

func (e *envReader) setBool(name string, dst *bool) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s=%q is not a boolean", EnvPrefix, name, val))
		return
	}
	*dst = b
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s=%q is not a duration", EnvPrefix, name, val))
		return
	}
	*dst = d
}
