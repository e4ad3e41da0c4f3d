package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/wudi/breakerstats/internal/stats"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyBreakerDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyBreakerDefaults fills zero values in every breaker from DefaultBreakerConfig.
func applyBreakerDefaults(cfg *Config) {
	def := DefaultBreakerConfig()
	for i := range cfg.Breakers {
		b := &cfg.Breakers[i]

		if b.Stats.RollingCountBuckets == 0 {
			b.Stats.RollingCountBuckets = def.Stats.RollingCountBuckets
		}
		if b.Stats.RollingCountTimeout == 0 {
			b.Stats.RollingCountTimeout = def.Stats.RollingCountTimeout
		}

		cb := &b.CircuitBreaker
		if cb.MaxRequests == 0 {
			cb.MaxRequests = def.CircuitBreaker.MaxRequests
		}
		if cb.Timeout == 0 {
			cb.Timeout = def.CircuitBreaker.Timeout
		}
		if cb.CallTimeout == 0 {
			cb.CallTimeout = def.CircuitBreaker.CallTimeout
		}
		if cb.ErrorThresholdPercentage == 0 {
			cb.ErrorThresholdPercentage = def.CircuitBreaker.ErrorThresholdPercentage
		}
		if cb.CacheSize == 0 {
			cb.CacheSize = def.CircuitBreaker.CacheSize
		}

		if b.Simulation.Rate == 0 {
			b.Simulation.Rate = def.Simulation.Rate
		}
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	r := cfg.Logging.Rotation
	if r.MaxSize < 0 || r.MaxBackups < 0 || r.MaxAge < 0 {
		return fmt.Errorf("logging: rotation values must be >= 0")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be in [0, 1]")
	}

	names := make(map[string]bool)
	for i, b := range cfg.Breakers {
		if b.Name == "" {
			return fmt.Errorf("breaker %d: name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate breaker name: %s", b.Name)
		}
		names[b.Name] = true

		if err := StatsSettings(b.Stats).Validate(); err != nil {
			return fmt.Errorf("breaker %s: stats: %w", b.Name, err)
		}

		cb := b.CircuitBreaker
		if cb.MaxRequests < 0 {
			return fmt.Errorf("breaker %s: max_requests must be >= 0", b.Name)
		}
		if cb.Timeout < 0 || cb.CallTimeout < 0 || cb.CacheTTL < 0 {
			return fmt.Errorf("breaker %s: durations must be >= 0", b.Name)
		}
		if cb.VolumeThreshold < 0 {
			return fmt.Errorf("breaker %s: volume_threshold must be >= 0", b.Name)
		}
		if cb.ErrorThresholdPercentage <= 0 || cb.ErrorThresholdPercentage > 100 {
			return fmt.Errorf("breaker %s: error_threshold_percentage must be in (0, 100]", b.Name)
		}
		if cb.Capacity < 0 {
			return fmt.Errorf("breaker %s: capacity must be >= 0", b.Name)
		}
		if cb.CacheTTL > 0 && cb.CacheSize <= 0 {
			return fmt.Errorf("breaker %s: cache_size must be > 0 when cache_ttl is set", b.Name)
		}

		sim := b.Simulation
		if sim.Enabled {
			if sim.Rate <= 0 {
				return fmt.Errorf("breaker %s: simulation rate must be > 0", b.Name)
			}
			if sim.FailureRate < 0 || sim.FailureRate > 1 {
				return fmt.Errorf("breaker %s: simulation failure_rate must be in [0, 1]", b.Name)
			}
			if sim.Latency < 0 || sim.Jitter < 0 {
				return fmt.Errorf("breaker %s: simulation latency and jitter must be >= 0", b.Name)
			}
		}
	}

	return nil
}

// StatsSettings converts the YAML window settings into the stats package config.
func StatsSettings(s StatsConfig) stats.Config {
	return stats.Config{
		Buckets:            s.RollingCountBuckets,
		Timeout:            s.RollingCountTimeout,
		PercentilesEnabled: s.PercentilesEnabled(),
	}
}
