package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Edition selects the default backing services.
	Edition Edition `json:"edition"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	History    HistoryConfig    `json:"history"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// AsyncWorker consumes submitted transactions from the bus.
	AsyncWorker bool `json:"asyncWorker"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`

	Thresholds Thresholds `json:"thresholds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables
// export.
type TracingConfig struct {
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Edition represents the deployment profile.
type Edition string

const (
	// EditionCommunity runs on SQLite, in-memory history and channels.
	EditionCommunity Edition = "community"

	// EditionPro runs on PostgreSQL, Redis and NATS.
	EditionPro Edition = "pro"
)

// DefaultConfig returns the community configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Edition: EditionCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			MessageTTL:   10 * time.Minute,
		},
		History: HistoryConfig{
			Backend:            "memory",
			Capacity:           100,
			WarmFromRepository: true,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSQueueGroup:    "kestrel-workers",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "kestrel",
		},
		Thresholds: DefaultThresholds(),
	}
}

// ProConfig returns the pro configuration.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Edition = EditionPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		MessageTTL:     10 * time.Minute,
	}
	cfg.History = HistoryConfig{
		Backend:   "redis",
		Capacity:  100,
		RedisAddr: "localhost:6379",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.AsyncWorker = true
	return cfg
}

// Validate checks component selections and engine thresholds.
func (c *Config) Validate() error {
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidConfig, c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("%w: unsupported cache type %q", ErrInvalidConfig, c.Cache.Type)
	}
	switch c.History.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unsupported history backend %q", ErrInvalidConfig, c.History.Backend)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("%w: unsupported event bus %q", ErrInvalidConfig, c.EventBus.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.History.Capacity != c.Thresholds.HistoryCapacity {
		return fmt.Errorf("%w: history capacity %d does not match threshold %d",
			ErrInvalidConfig, c.History.Capacity, c.Thresholds.HistoryCapacity)
	}
	return c.Thresholds.Validate()
}
