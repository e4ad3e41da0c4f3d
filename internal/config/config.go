package config

import "time"

// Config represents the complete breakerstats configuration
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Admin    AdminConfig     `yaml:"admin"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Breakers []BreakerConfig `yaml:"breakers"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep
	MaxAge     int  `yaml:"max_age"`     // days to retain old files
	Compress   bool `yaml:"compress"`    // gzip rotated files
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// AdminConfig defines the admin HTTP surface (/breakers, /metrics)
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig defines OTLP trace export for breaker calls and admin requests
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// BreakerConfig defines one named circuit breaker and its rolling window
type BreakerConfig struct {
	Name           string               `yaml:"name"`
	Stats          StatsConfig          `yaml:"stats"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Simulation     SimulationConfig     `yaml:"simulation"`
}

// StatsConfig sizes the rolling statistics window
type StatsConfig struct {
	RollingCountBuckets       int           `yaml:"rolling_count_buckets"`
	RollingCountTimeout       time.Duration `yaml:"rolling_count_timeout"`
	RollingPercentilesEnabled *bool         `yaml:"rolling_percentiles_enabled"` // nil means enabled
}

// PercentilesEnabled reports whether latency percentiles are tracked.
func (s StatsConfig) PercentilesEnabled() bool {
	return s.RollingPercentilesEnabled == nil || *s.RollingPercentilesEnabled
}

// CircuitBreakerConfig defines the trip policy and call wrapping of a breaker
type CircuitBreakerConfig struct {
	MaxRequests              int           `yaml:"max_requests"`               // trial requests allowed while half-open
	Timeout                  time.Duration `yaml:"timeout"`                    // time spent open before half-open
	CallTimeout              time.Duration `yaml:"call_timeout"`               // per-call deadline; 0 disables
	VolumeThreshold          int           `yaml:"volume_threshold"`           // minimum fires in window before tripping
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage"` // window error % that trips
	Capacity                 int           `yaml:"capacity"`                   // concurrent calls; 0 is unlimited
	CacheTTL                 time.Duration `yaml:"cache_ttl"`                  // result cache lifetime; 0 disables
	CacheSize                int           `yaml:"cache_size"`
}

// SimulationConfig drives synthetic traffic through a breaker
type SimulationConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Rate        float64       `yaml:"rate"`         // calls per second
	FailureRate float64       `yaml:"failure_rate"` // probability in [0, 1]
	Latency     time.Duration `yaml:"latency"`
	Jitter      time.Duration `yaml:"jitter"`
	Key         string        `yaml:"key"` // cache key passed with every call
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9091",
		},
	}
}

// DefaultBreakerConfig returns the per-breaker defaults applied before validation
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Stats: StatsConfig{
			RollingCountBuckets: 10,
			RollingCountTimeout: 10 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:              1,
			Timeout:                  30 * time.Second,
			CallTimeout:              10 * time.Second,
			ErrorThresholdPercentage: 50,
			CacheSize:                128,
		},
		Simulation: SimulationConfig{
			Rate: 10,
		},
	}
}
