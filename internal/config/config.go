// Package config provides environment-aware configuration for the
// execution sandbox daemon, following the env-var-plus-defaults style used
// across the rest of the service: no config framework, just typed getters
// over os.Getenv with a .env loader for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the sandbox core reads at startup.
type Config struct {
	// HTTP surface
	ListenAddr string

	// ExecutionStore is the SQLite DSN backing the execution journal.
	ExecutionStoreDSN string

	// ComponentsRoot is the filesystem root components/<type>s/... resolves under.
	ComponentsRoot string

	// PolicyConfigPath optionally points at a JSON policy bundle.
	PolicyConfigPath string

	// DefaultTimeout, DefaultMaxMemoryBytes and DefaultFuelBudget form the
	// executor's default budget, applied when a component's Policy omits
	// the field (fuel always). DefaultMaxRequestSize, DefaultMaxResponseSize
	// and MaxConcurrentStreams are loaded but not passed to the executor:
	// the policy package's own size defaults and httpcap's default of three
	// concurrent streams apply instead.
	DefaultTimeout        time.Duration
	DefaultMaxMemoryBytes int64
	DefaultMaxRequestSize int64
	DefaultMaxResponseSize int64
	DefaultFuelBudget     uint64
	MaxConcurrentStreams  int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, loading a local .env file
// first if present (errors from a missing .env are ignored, matching the
// godotenv idiom used elsewhere in the stack).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:             getEnv("CYFR_LISTEN_ADDR", ":8088"),
		ExecutionStoreDSN:      getEnv("CYFR_EXECUTION_STORE_DSN", "file:cyfr_executions.db?cache=shared&_pragma=busy_timeout(5000)"),
		ComponentsRoot:         getEnv("CYFR_COMPONENTS_ROOT", "components"),
		PolicyConfigPath:       getEnv("CYFR_POLICY_CONFIG", ""),
		DefaultTimeout:         getEnvDuration("CYFR_DEFAULT_TIMEOUT", 30*time.Second),
		DefaultMaxMemoryBytes:  getEnvInt64("CYFR_DEFAULT_MAX_MEMORY_BYTES", 64*1024*1024),
		DefaultMaxRequestSize:  getEnvInt64("CYFR_DEFAULT_MAX_REQUEST_SIZE", 1024*1024),
		DefaultMaxResponseSize: getEnvInt64("CYFR_DEFAULT_MAX_RESPONSE_SIZE", 5*1024*1024),
		DefaultFuelBudget:      uint64(getEnvInt64("CYFR_DEFAULT_FUEL_BUDGET", 100_000_000)),
		MaxConcurrentStreams:   int(getEnvInt64("CYFR_MAX_CONCURRENT_STREAMS", 3)),
		LogLevel:               getEnv("CYFR_LOG_LEVEL", "info"),
		LogFormat:              getEnv("CYFR_LOG_FORMAT", "text"),
	}

	if cfg.DefaultMaxMemoryBytes <= 0 {
		return nil, fmt.Errorf("config: CYFR_DEFAULT_MAX_MEMORY_BYTES must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
