// Package config loads Kestrel configuration from environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Prefix is prepended to every environment variable name.
const Prefix = "KESTREL_"

// Load reads an optional .env file, then the environment. KESTREL_TIER=pro
// selects the pro defaults before individual overrides apply. A JSON file
// named by KESTREL_THRESHOLDS_FILE is laid over the default thresholds
// before the KESTREL_* threshold keys. The result is validated.
func Load() (*domain.Config, error) {
	// .env is optional
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a configuration from lookup.
func FromEnv(lookup func(string) (string, bool)) (*domain.Config, error) {
	e := &env{lookup: lookup}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(e.str("TIER", ""), string(domain.EditionPro)) {
		cfg = domain.ProConfig()
	}

	s := &cfg.Server
	s.Host = e.str("HOST", s.Host)
	s.Port = e.int("PORT", s.Port)
	s.ReadTimeout = e.int("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = e.int("WRITE_TIMEOUT", s.WriteTimeout)

	r := &cfg.Repository
	r.Driver = e.str("DB_DRIVER", r.Driver)
	r.SQLitePath = e.str("SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = e.str("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = e.int("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = e.str("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = e.str("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = e.str("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = e.str("POSTGRES_SSLMODE", r.PostgresSSLMode)
	r.MaxOpenConns = e.int("DB_MAX_OPEN_CONNS", r.MaxOpenConns)
	r.MaxIdleConns = e.int("DB_MAX_IDLE_CONNS", r.MaxIdleConns)
	r.ConnMaxLifetime = e.duration("DB_CONN_MAX_LIFETIME", r.ConnMaxLifetime)

	c := &cfg.Cache
	c.Type = e.str("CACHE_TYPE", c.Type)
	c.RedisAddr = e.str("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = e.str("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = e.int("REDIS_DB", c.RedisDB)
	c.EnableTwoPhase = e.bool("CACHE_TWO_PHASE", c.EnableTwoPhase)
	c.LocalMaxSize = e.int("CACHE_LOCAL_MAX_SIZE", c.LocalMaxSize)
	c.LocalTTL = e.duration("CACHE_LOCAL_TTL", c.LocalTTL)
	c.MessageTTL = e.duration("MESSAGE_CACHE_TTL", c.MessageTTL)

	h := &cfg.History
	h.Backend = e.str("HISTORY_BACKEND", h.Backend)
	h.Capacity = e.int("HISTORY_CAPACITY", h.Capacity)
	h.RedisAddr = e.str("HISTORY_REDIS_ADDR", e.str("REDIS_ADDR", h.RedisAddr))
	h.RedisPassword = e.str("REDIS_PASSWORD", h.RedisPassword)
	h.RedisDB = e.int("REDIS_DB", h.RedisDB)
	h.WarmFromRepository = e.bool("HISTORY_WARM", h.WarmFromRepository)

	b := &cfg.EventBus
	b.Type = e.str("BUS_TYPE", b.Type)
	b.ChannelBufferSize = e.int("BUS_BUFFER_SIZE", b.ChannelBufferSize)
	b.NATSUrl = e.str("NATS_URL", b.NATSUrl)
	b.NATSToken = e.str("NATS_TOKEN", b.NATSToken)
	b.NATSMaxReconnects = e.int("NATS_MAX_RECONNECTS", b.NATSMaxReconnects)
	b.NATSReconnectWait = e.int("NATS_RECONNECT_WAIT", b.NATSReconnectWait)
	b.NATSQueueGroup = e.str("NATS_QUEUE_GROUP", b.NATSQueueGroup)
	cfg.AsyncWorker = e.bool("ASYNC_WORKER", cfg.AsyncWorker)

	cfg.Logging.Level = e.str("LOG_LEVEL", cfg.Logging.Level)
	if e.bool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = e.str("LOG_FORMAT", cfg.Logging.Format)

	cfg.Tracing.ServiceName = e.str("SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = e.str("OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	th := &cfg.Thresholds
	if path := e.str("THRESHOLDS_FILE", ""); path != "" {
		if err := overlayThresholds(path, th); err != nil {
			e.errs = append(e.errs, err.Error())
		}
	}
	th.HistoryCapacity = h.Capacity
	th.TimeZoneOffsetMinutes = e.int("TZ_OFFSET_MINUTES", th.TimeZoneOffsetMinutes)
	th.Decision.BlockProbability = e.float("BLOCK_PROBABILITY", th.Decision.BlockProbability)
	th.Decision.BlockVulnerability = e.float("BLOCK_VULNERABILITY", th.Decision.BlockVulnerability)
	th.Decision.WarnProbability = e.float("WARN_PROBABILITY", th.Decision.WarnProbability)
	th.Decision.WarnVulnerability = e.float("WARN_VULNERABILITY", th.Decision.WarnVulnerability)
	th.Message.HighScore = e.float("MESSAGE_HIGH_SCORE", th.Message.HighScore)
	th.Message.MediumScore = e.float("MESSAGE_MEDIUM_SCORE", th.Message.MediumScore)
	th.Sequence.VerificationWindow = e.duration("VERIFICATION_WINDOW", th.Sequence.VerificationWindow)
	th.Sequence.RapidSwitchSpan = e.duration("RAPID_SWITCH_SPAN", th.Sequence.RapidSwitchSpan)

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayThresholds decodes the JSON file at path onto th. Fields absent
// from the file keep their current values; durations are nanoseconds.
func overlayThresholds(path string, th *domain.Thresholds) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%sTHRESHOLDS_FILE: %w", Prefix, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(th); err != nil {
		return fmt.Errorf("%sTHRESHOLDS_FILE %s: %w", Prefix, path, err)
	}
	return nil
}

// env reads prefixed variables and collects parse errors instead of
// silently falling back to defaults.
type env struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(Prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(key, value, kind string) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q is not a valid %s", Prefix, key, value, kind))
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, "integer")
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, "number")
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, "boolean")
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, "duration")
		return def
	}
	return d
}
