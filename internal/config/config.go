// Package config loads the mailstored daemon configuration.
//
// Values come, highest precedence first, from MAILSTORE_* environment
// variables, a .env file in the working directory, an optional YAML file and
// the defaults below. Nested keys map to variables with "." replaced by "_",
// e.g. store.postgres_dsn is MAILSTORE_STORE_POSTGRES_DSN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MAILSTORE"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendNoop     = "noop"
	BackendChannel  = "channel"
)

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// StoreConfig selects the metadata backend.
type StoreConfig struct {
	Backend      string        `mapstructure:"backend"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	TablePrefix  string        `mapstructure:"table_prefix"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// MongoURI moves threads, annotations and subscriptions to MongoDB.
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// BlobConfig selects the content backend.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`

	// CacheDir enables the local read cache.
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheMaxSize int64         `mapstructure:"cache_max_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// LockConfig selects the path lock backend.
type LockConfig struct {
	Backend     string        `mapstructure:"backend"`
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	NATSBucket  string        `mapstructure:"nats_bucket"`
}

// RedisConfig is shared by the Redis lock and the Redis event transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig is used by the NATS lock.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// EventsConfig selects the event transport. The channel transport delivers
// in process only; noop drops events, so deletions leave content behind.
type EventsConfig struct {
	Transport string `mapstructure:"transport"`
	// ErrorsFatal fails operations whose events cannot be published.
	ErrorsFatal bool `mapstructure:"errors_fatal"`
}

// ListenerConfig tunes the cascading deletion listener.
type ListenerConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	Strong      bool `mapstructure:"strong_consistency"`
}

// ServiceConfig tunes the mailbox service.
type ServiceConfig struct {
	PathDelimiter     string              `mapstructure:"path_delimiter"`
	ShutdownTimeout   time.Duration       `mapstructure:"shutdown_timeout"`
	RenameConcurrency int                 `mapstructure:"rename_concurrency"`
	MaxAnnotations    int                 `mapstructure:"max_annotations"`
	MaxAnnotationSize int                 `mapstructure:"max_annotation_size"`
	ThreadingDisabled bool                `mapstructure:"threading_disabled"`
	Groups            map[string][]string `mapstructure:"groups"` // user to ACL groups
}

// OTelConfig enables OpenTelemetry instrumentation.
type OTelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the daemon configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Lock     LockConfig     `mapstructure:"lock"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Listener ListenerConfig `mapstructure:"listener"`
	Service  ServiceConfig  `mapstructure:"service"`
	OTel     OTelConfig     `mapstructure:"otel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.table_prefix", "mailstore_")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.timeout", "10s")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_database", "mailstore")

	v.SetDefault("blob.backend", BackendMemory)
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "blobs")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.path_style", false)
	v.SetDefault("blob.cache_dir", "")
	v.SetDefault("blob.cache_max_size", 1<<30)
	v.SetDefault("blob.cache_ttl", "1h")

	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.wait_timeout", "10s")
	v.SetDefault("lock.key_prefix", "mailstore:lock:")
	v.SetDefault("lock.nats_bucket", "mailstore_locks")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("events.transport", BackendChannel)
	v.SetDefault("events.errors_fatal", true)

	v.SetDefault("listener.concurrency", 4)
	v.SetDefault("listener.strong_consistency", false)

	v.SetDefault("service.path_delimiter", ".")
	v.SetDefault("service.shutdown_timeout", "30s")
	v.SetDefault("service.rename_concurrency", 2)
	v.SetDefault("service.max_annotations", 10)
	v.SetDefault("service.max_annotation_size", 1024)
	v.SetDefault("service.threading_disabled", false)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "mailstore")
}

// Load reads the configuration. file is an optional YAML file; an empty
// string skips it.
func Load(file string) (*Config, error) {
	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and the settings each backend requires.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown backend %q", field, value))
	}

	check("store.backend", c.Store.Backend, BackendMemory, BackendPostgres)
	check("blob.backend", c.Blob.Backend, BackendMemory, BackendS3, BackendGCS)
	check("lock.backend", c.Lock.Backend, BackendMemory, BackendRedis, BackendNATS)
	check("events.transport", c.Events.Transport, BackendNoop, BackendChannel, BackendRedis)

	if c.Store.Backend == BackendPostgres && c.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	}
	if (c.Blob.Backend == BackendS3 || c.Blob.Backend == BackendGCS) && c.Blob.Bucket == "" {
		errs = append(errs, fmt.Errorf("blob.bucket is required for the %s backend", c.Blob.Backend))
	}
	if c.Lock.Backend == BackendNATS && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required for the nats lock"))
	}
	if (c.Lock.Backend == BackendRedis || c.Events.Transport == BackendRedis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if len([]rune(c.Service.PathDelimiter)) != 1 {
		errs = append(errs, fmt.Errorf("service.path_delimiter must be one character, got %q", c.Service.PathDelimiter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Delimiter returns the configured path delimiter.
func (c *Config) Delimiter() rune {
	return []rune(c.Service.PathDelimiter)[0]
}
