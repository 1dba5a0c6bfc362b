// Package config provides configuration loading for the flowengine service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the flowengine service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PostgreSQL configuration
	DatabaseURL string

	// Store selection
	FlowStoreType string // "memory", "redis" or "postgres"
	RunStoreType  string // "memory" or "redis"
	RunStoreTTL   time.Duration
	LogMaxLen     int64

	// Queue configuration
	QueueBackend           string // "memory" or "redis"
	QueueRouting           string // "global", "tenant" or "workflow"
	QueueName              string
	QueueAutoCreate        bool
	QueueRejectWhilePaused bool
	QueueMaxAttempts       int
	QueueRetryBackoff      time.Duration
	QueueMaxRetryBackoff   time.Duration

	// Worker pool
	Workers       int
	WorkerQueues  []string
	LeaseDuration time.Duration
	PollInterval  time.Duration

	// Engine
	MaxParallelism     int
	DefaultMaxRetries  int
	NodeBackoff        time.Duration
	NodeMaxBackoff     time.Duration
	NodeTimeoutDefault time.Duration
	RunTimeout         time.Duration
	MaxNodeVisits      int

	// Command executor
	CommandEnvPassthrough []string
	CommandWorkDir        string

	// Dispatch admission
	DispatchRateLimit float64
	DispatchBurst     int

	// CORS configuration
	CORSOrigins []string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	OTLPInsecure      bool
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"PORT":           "7070",
	"READ_TIMEOUT":   30 * time.Second,
	"WRITE_TIMEOUT":  30 * time.Second,
	"SHUTDOWN_GRACE": 10 * time.Second,

	"REDIS_URL":      "redis://localhost:6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"DATABASE_URL": "",

	"FLOWSTORE":    "memory",
	"RUNSTORE":     "memory",
	"RUNSTORE_TTL": 7 * 24 * time.Hour, // 7 days
	"LOG_MAX_LEN":  5000,

	"QUEUE_BACKEND":             "memory",
	"QUEUE_ROUTING":             "global",
	"QUEUE_NAME":                "runs",
	"QUEUE_AUTO_CREATE":         true,
	"QUEUE_REJECT_WHILE_PAUSED": false,
	"QUEUE_MAX_ATTEMPTS":        5,
	"QUEUE_RETRY_BACKOFF":       time.Duration(0),
	"QUEUE_MAX_RETRY_BACKOFF":   time.Minute,

	"WORKERS":        4,
	"WORKER_QUEUES":  "",
	"LEASE_DURATION": 30 * time.Second,
	"POLL_INTERVAL":  500 * time.Millisecond,

	"MAX_PARALLELISM":          8,
	"NODE_MAX_RETRIES_DEFAULT": 0,
	"NODE_BACKOFF":             time.Second,
	"NODE_MAX_BACKOFF":         30 * time.Second,
	"NODE_TIMEOUT_DEFAULT":     5 * time.Minute,
	"RUN_TIMEOUT":              time.Hour,
	"MAX_NODE_VISITS":          100,

	"COMMAND_ENV_PASSTHROUGH": "PATH,HOME",
	"COMMAND_WORKDIR":         "",

	"DISPATCH_RATE_LIMIT": 0.0, // 0 = unlimited
	"DISPATCH_BURST":      10,

	"CORS_ORIGINS": "http://localhost:5173,http://localhost:3000",

	"TRACING_ENABLED":     false,
	"OTLP_ENDPOINT":       "localhost:4317",
	"OTLP_INSECURE":       true,
	"TRACING_SAMPLE_RATE": 1.0,

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
}

// Load reads configuration from the environment, falling back to the
// optional config file and then to defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		// Server
		Port:          v.GetString("PORT"),
		ReadTimeout:   v.GetDuration("READ_TIMEOUT"),
		WriteTimeout:  v.GetDuration("WRITE_TIMEOUT"),
		ShutdownGrace: v.GetDuration("SHUTDOWN_GRACE"),

		// Redis
		RedisURL:      v.GetString("REDIS_URL"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		DatabaseURL: v.GetString("DATABASE_URL"),

		// Stores
		FlowStoreType: strings.ToLower(v.GetString("FLOWSTORE")),
		RunStoreType:  strings.ToLower(v.GetString("RUNSTORE")),
		RunStoreTTL:   v.GetDuration("RUNSTORE_TTL"),
		LogMaxLen:     v.GetInt64("LOG_MAX_LEN"),

		// Queue
		QueueBackend:           strings.ToLower(v.GetString("QUEUE_BACKEND")),
		QueueRouting:           strings.ToLower(v.GetString("QUEUE_ROUTING")),
		QueueName:              v.GetString("QUEUE_NAME"),
		QueueAutoCreate:        v.GetBool("QUEUE_AUTO_CREATE"),
		QueueRejectWhilePaused: v.GetBool("QUEUE_REJECT_WHILE_PAUSED"),
		QueueMaxAttempts:       v.GetInt("QUEUE_MAX_ATTEMPTS"),
		QueueRetryBackoff:      v.GetDuration("QUEUE_RETRY_BACKOFF"),
		QueueMaxRetryBackoff:   v.GetDuration("QUEUE_MAX_RETRY_BACKOFF"),

		// Workers
		Workers:       v.GetInt("WORKERS"),
		WorkerQueues:  stringSlice(v, "WORKER_QUEUES"),
		LeaseDuration: v.GetDuration("LEASE_DURATION"),
		PollInterval:  v.GetDuration("POLL_INTERVAL"),

		// Engine
		MaxParallelism:     v.GetInt("MAX_PARALLELISM"),
		DefaultMaxRetries:  v.GetInt("NODE_MAX_RETRIES_DEFAULT"),
		NodeBackoff:        v.GetDuration("NODE_BACKOFF"),
		NodeMaxBackoff:     v.GetDuration("NODE_MAX_BACKOFF"),
		NodeTimeoutDefault: v.GetDuration("NODE_TIMEOUT_DEFAULT"),
		RunTimeout:         v.GetDuration("RUN_TIMEOUT"),
		MaxNodeVisits:      v.GetInt("MAX_NODE_VISITS"),

		CommandEnvPassthrough: stringSlice(v, "COMMAND_ENV_PASSTHROUGH"),
		CommandWorkDir:        v.GetString("COMMAND_WORKDIR"),

		DispatchRateLimit: v.GetFloat64("DISPATCH_RATE_LIMIT"),
		DispatchBurst:     v.GetInt("DISPATCH_BURST"),

		CORSOrigins: stringSlice(v, "CORS_ORIGINS"),

		// Tracing
		TracingEnabled:    v.GetBool("TRACING_ENABLED"),
		OTLPEndpoint:      v.GetString("OTLP_ENDPOINT"),
		OTLPInsecure:      v.GetBool("OTLP_INSECURE"),
		TracingSampleRate: v.GetFloat64("TRACING_SAMPLE_RATE"),

		// Logging
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.FlowStoreType {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("FLOWSTORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FLOWSTORE %q", c.FlowStoreType))
	}
	switch c.RunStoreType {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown RUNSTORE %q", c.RunStoreType))
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}
	switch c.QueueRouting {
	case "global", "tenant", "workflow":
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_ROUTING %q", c.QueueRouting))
	}
	if c.QueueName == "" {
		errs = append(errs, errors.New("QUEUE_NAME must not be empty"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("LEASE_DURATION must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATE must be within [0,1], got %v", c.TracingSampleRate))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.FlowStoreType == "redis" || c.RunStoreType == "redis" || c.QueueBackend == "redis"
}

// stringSlice reads a comma-separated list from the environment, or a list
// from the config file.
func stringSlice(v *viper.Viper, key string) []string {
	var items []string
	switch val := v.Get(key).(type) {
	case string:
		items = strings.Split(val, ",")
	default:
		items = v.GetStringSlice(key)
	}
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
