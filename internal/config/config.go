// Package config holds the plain, struct-per-concern configuration for
// each kernel component, loaded from a YAML file and/or environment
// variables via viper — the same SetConfigFile/SetConfigType("yaml")/
// ReadInConfig shape the teacher uses in internal/labelmutex/policy.go —
// and exposing the spec-mandated defaults as Default() constructors per
// component, analogous to the teacher's per-concern struct layout in
// internal/config (grouped by integration rather than by store subsystem
// there, by component here).
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig configures the Postgres-backed Store (internal/store/postgres).
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxPoolSize     int           `mapstructure:"max_pool_size"`
	DispatcherShare float64       `mapstructure:"dispatcher_pool_share"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// DefaultStoreConfig returns §5's pool-sharing default: the dispatcher
// gets half the connection pool so mutators and the dispatcher don't
// starve each other.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxPoolSize:      20,
		DispatcherShare:  0.5,
		StatementTimeout: 30 * time.Second,
	}
}

// CacheConfig configures the Redis-backed Cache (internal/cache/redis).
type CacheConfig struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// DefaultCacheConfig returns spec.md §4.2/§6.4's one-hour TTL default.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Addr: "localhost:6379", TTL: time.Hour}
}

// BusConfig configures the NATS JetStream Bus (internal/bus/nats), whose
// Connect wraps every publish in a circuit breaker that opens after
// BreakerMaxFailures consecutive failures.
type BusConfig struct {
	URL                string        `mapstructure:"url"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultBusConfig returns spec.md §4.6's breaker defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:                "nats://localhost:4222",
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// DispatcherConfig configures the outbox dispatcher's workers.
type DispatcherConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
}

// DefaultDispatcherConfig returns spec.md §4.6's worker defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:    5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// MetadataAuthorityConfig configures the external type-registry client.
type MetadataAuthorityConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TTL            time.Duration `mapstructure:"ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultMetadataAuthorityConfig returns a conservative default TTL
// (spec.md §3's ttl_minutes, expressed as a duration here for symmetry
// with the other component configs; converted to minutes by callers).
func DefaultMetadataAuthorityConfig() MetadataAuthorityConfig {
	return MetadataAuthorityConfig{TTL: time.Hour, RequestTimeout: 10 * time.Second}
}

// Config aggregates every component's configuration, the way the
// teacher's cmd/bd wires independently-constructed pieces into one
// Core rather than relying on a process-wide singleton (spec.md §9).
type Config struct {
	Source             string                  `mapstructure:"source"`
	Store              StoreConfig             `mapstructure:"store"`
	Cache              CacheConfig             `mapstructure:"cache"`
	Bus                BusConfig               `mapstructure:"bus"`
	Dispatcher         DispatcherConfig        `mapstructure:"dispatcher"`
	MetadataAuthority  MetadataAuthorityConfig `mapstructure:"metadata_authority"`
}

// Default returns a Config with every component at its spec-mandated
// default, suitable as a starting point before Load overlays a file or
// environment variables.
func Default() Config {
	return Config{
		Source:            "kernel",
		Store:             DefaultStoreConfig(),
		Cache:             DefaultCacheConfig(),
		Bus:               DefaultBusConfig(),
		Dispatcher:        DefaultDispatcherConfig(),
		MetadataAuthority: DefaultMetadataAuthorityConfig(),
	}
}

// Load reads path (a YAML file) over Default(), then overlays any
// KERNEL_-prefixed environment variable (e.g. KERNEL_STORE_DSN maps to
// store.dsn). path may be empty, in which case only the environment and
// defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("kernel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper already knows, so bind every
	// field's key; otherwise a variable for a key absent from the file
	// would never reach Unmarshal.
	cfgType := reflect.TypeOf(cfg)
	for i := 0; i < cfgType.NumField(); i++ {
		section := cfgType.Field(i)
		key := section.Tag.Get("mapstructure")
		if section.Type.Kind() != reflect.Struct {
			_ = v.BindEnv(key)
			continue
		}
		for j := 0; j < section.Type.NumField(); j++ {
			_ = v.BindEnv(key + "." + section.Type.Field(j).Tag.Get("mapstructure"))
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
