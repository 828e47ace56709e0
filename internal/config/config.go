// Package config manages gogt06 daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gogt06 configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Handler HandlerConfig `koanf:"handler"`
	Session SessionConfig `koanf:"session"`
	Reaper  ReaperConfig  `koanf:"reaper"`
	Decoder DecoderConfig `koanf:"decoder"`
	Publish PublishConfig `koanf:"publish"`
	Command CommandConfig `koanf:"command"`
	Redis   RedisConfig   `koanf:"redis"`
	Bus     BusConfig     `koanf:"bus"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ListenConfig holds the device-facing TCP listener configuration.
type ListenConfig struct {
	// Host is the bind address; empty binds all interfaces.
	Host string `koanf:"host"`

	// Port is the TCP port GT06 devices connect to.
	Port int `koanf:"port"`
}

// Addr returns the host:port listen address.
func (lc ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", lc.Host, lc.Port)
}

// HandlerConfig holds per-connection tuning.
type HandlerConfig struct {
	// ReadTimeoutS is the socket read deadline in seconds. A device that
	// sends nothing for this long is disconnected.
	ReadTimeoutS int `koanf:"read_timeout_s"`

	// WriteTimeoutS is the socket write deadline in seconds.
	WriteTimeoutS int `koanf:"write_timeout_s"`

	// DecodeFailureLimit is the number of decode failures within the
	// failure window that closes the connection.
	DecodeFailureLimit int `koanf:"decode_failure_limit"`

	// DecodeFailureWindowS is the sliding failure window in seconds.
	DecodeFailureWindowS int `koanf:"decode_failure_window_s"`

	// CommandBuffer is the capacity of the per-connection outbound
	// command channel.
	CommandBuffer int `koanf:"command_buffer"`
}

// ReadTimeout returns the read deadline as a duration.
func (hc HandlerConfig) ReadTimeout() time.Duration {
	return time.Duration(hc.ReadTimeoutS) * time.Second
}

// WriteTimeout returns the write deadline as a duration.
func (hc HandlerConfig) WriteTimeout() time.Duration {
	return time.Duration(hc.WriteTimeoutS) * time.Second
}

// DecodeFailureWindow returns the failure window as a duration.
func (hc HandlerConfig) DecodeFailureWindow() time.Duration {
	return time.Duration(hc.DecodeFailureWindowS) * time.Second
}

// SessionConfig holds session lifetime parameters.
type SessionConfig struct {
	// IdleTimeoutS is the idle ceiling for authenticated sessions.
	IdleTimeoutS int `koanf:"idle_timeout_s"`

	// UnauthTimeoutS is the idle ceiling for connections that have not
	// completed a login.
	UnauthTimeoutS int `koanf:"unauth_timeout_s"`

	// TouchMinIntervalMs rate-limits last_seen_at persistence per
	// session.
	TouchMinIntervalMs int `koanf:"touch_min_interval_ms"`
}

// IdleTimeout returns the authenticated idle ceiling as a duration.
func (sc SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(sc.IdleTimeoutS) * time.Second
}

// UnauthTimeout returns the unauthenticated idle ceiling as a duration.
func (sc SessionConfig) UnauthTimeout() time.Duration {
	return time.Duration(sc.UnauthTimeoutS) * time.Second
}

// TouchMinInterval returns the touch rate limit as a duration.
func (sc SessionConfig) TouchMinInterval() time.Duration {
	return time.Duration(sc.TouchMinIntervalMs) * time.Millisecond
}

// ReaperConfig holds the idle reaper schedule.
type ReaperConfig struct {
	// IntervalS is the sweep interval in seconds.
	IntervalS int `koanf:"interval_s"`
}

// Interval returns the sweep interval as a duration.
func (rc ReaperConfig) Interval() time.Duration {
	return time.Duration(rc.IntervalS) * time.Second
}

// DecoderConfig holds stream decoder bounds.
type DecoderConfig struct {
	// MaxFrameBytes bounds one reassembled frame.
	MaxFrameBytes int `koanf:"max_frame_bytes"`

	// SearchWindowBytes is the start-marker scan window.
	SearchWindowBytes int `koanf:"search_window_bytes"`
}

// PublishConfig holds telemetry publisher tuning.
type PublishConfig struct {
	// QueueCapacity bounds the in-memory publish queue.
	QueueCapacity int `koanf:"queue_capacity"`

	// RetryMax is the number of publish attempts before a record is
	// dropped.
	RetryMax int `koanf:"retry_max"`
}

// CommandConfig holds command consumer tuning.
type CommandConfig struct {
	// RetryMax is the default delivery attempt ceiling for commands that
	// do not carry their own max_retries.
	RetryMax int `koanf:"retry_max"`
}

// RedisConfig holds the Redis connection parameters shared by the
// session registry and the bus.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `koanf:"addr"`

	// Password authenticates the connection; empty disables AUTH.
	Password string `koanf:"password"`

	// PoolSize bounds idle pooled connections.
	PoolSize int `koanf:"pool_size"`
}

// BusConfig holds the Redis Streams topic layout.
type BusConfig struct {
	// SessionTopic carries session lifecycle records.
	SessionTopic string `koanf:"session_topic"`

	// TelemetryTopic carries decoded device messages.
	TelemetryTopic string `koanf:"telemetry_topic"`

	// LocationTopic carries normalised gps-valid fixes.
	LocationTopic string `koanf:"location_topic"`

	// CommandTopic is consumed for outbound device commands.
	CommandTopic string `koanf:"command_topic"`

	// ConsumerGroup is the XREADGROUP group on the command topic.
	ConsumerGroup string `koanf:"consumer_group"`

	// StreamMaxLen trims published streams (XADD MAXLEN ~). Zero
	// disables trimming.
	StreamMaxLen int `koanf:"stream_max_len"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Port 5023 is the conventional GT06 platform port. The 600 s idle and
// 60 s unauthenticated ceilings sit above the protocol's worst-case
// heartbeat interval (GT06 devices heartbeat every 3-5 minutes), so a
// healthy device never trips the reaper.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Port: 5023,
		},
		Handler: HandlerConfig{
			ReadTimeoutS:         180,
			WriteTimeoutS:        10,
			DecodeFailureLimit:   16,
			DecodeFailureWindowS: 30,
			CommandBuffer:        16,
		},
		Session: SessionConfig{
			IdleTimeoutS:       600,
			UnauthTimeoutS:     60,
			TouchMinIntervalMs: 1000,
		},
		Reaper: ReaperConfig{
			IntervalS: 60,
		},
		Decoder: DecoderConfig{
			MaxFrameBytes:     1024,
			SearchWindowBytes: 100,
		},
		Publish: PublishConfig{
			QueueCapacity: 4096,
			RetryMax:      5,
		},
		Command: CommandConfig{
			RetryMax: 3,
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			PoolSize: 10,
		},
		Bus: BusConfig{
			SessionTopic:   "device.session",
			TelemetryTopic: "device.telemetry",
			LocationTopic:  "device.location",
			CommandTopic:   "device.command",
			ConsumerGroup:  "gogt06",
			StreamMaxLen:   100_000,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gogt06 configuration.
// Variables are named GOGT06_<section>_<key>, e.g., GOGT06_LISTEN_PORT.
const envPrefix = "GOGT06_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOGT06_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOGT06_LISTEN_PORT   -> listen.port
//	GOGT06_REDIS_ADDR    -> redis.addr
//	GOGT06_METRICS_ADDR  -> metrics.addr
//	GOGT06_LOG_LEVEL     -> log.level
//	GOGT06_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOGT06_LISTEN_PORT -> listen.port (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOGT06_LISTEN_PORT -> listen.port.
// Strips the GOGT06_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.host":                     defaults.Listen.Host,
		"listen.port":                     defaults.Listen.Port,
		"handler.read_timeout_s":          defaults.Handler.ReadTimeoutS,
		"handler.write_timeout_s":         defaults.Handler.WriteTimeoutS,
		"handler.decode_failure_limit":    defaults.Handler.DecodeFailureLimit,
		"handler.decode_failure_window_s": defaults.Handler.DecodeFailureWindowS,
		"handler.command_buffer":          defaults.Handler.CommandBuffer,
		"session.idle_timeout_s":          defaults.Session.IdleTimeoutS,
		"session.unauth_timeout_s":        defaults.Session.UnauthTimeoutS,
		"session.touch_min_interval_ms":   defaults.Session.TouchMinIntervalMs,
		"reaper.interval_s":               defaults.Reaper.IntervalS,
		"decoder.max_frame_bytes":         defaults.Decoder.MaxFrameBytes,
		"decoder.search_window_bytes":     defaults.Decoder.SearchWindowBytes,
		"publish.queue_capacity":          defaults.Publish.QueueCapacity,
		"publish.retry_max":               defaults.Publish.RetryMax,
		"command.retry_max":               defaults.Command.RetryMax,
		"redis.addr":                      defaults.Redis.Addr,
		"redis.password":                  defaults.Redis.Password,
		"redis.pool_size":                 defaults.Redis.PoolSize,
		"bus.session_topic":               defaults.Bus.SessionTopic,
		"bus.telemetry_topic":             defaults.Bus.TelemetryTopic,
		"bus.location_topic":              defaults.Bus.LocationTopic,
		"bus.command_topic":               defaults.Bus.CommandTopic,
		"bus.consumer_group":              defaults.Bus.ConsumerGroup,
		"bus.stream_max_len":              defaults.Bus.StreamMaxLen,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidListenPort indicates the device listener port is out of range.
	ErrInvalidListenPort = errors.New("listen.port must be between 1 and 65535")

	// ErrEmptyRedisAddr indicates the Redis address is empty.
	ErrEmptyRedisAddr = errors.New("redis.addr must not be empty")

	// ErrInvalidIdleTimeout indicates a non-positive session idle ceiling.
	ErrInvalidIdleTimeout = errors.New("session.idle_timeout_s must be > 0")

	// ErrInvalidUnauthTimeout indicates a non-positive unauthenticated ceiling.
	ErrInvalidUnauthTimeout = errors.New("session.unauth_timeout_s must be > 0")

	// ErrInvalidReaperInterval indicates a non-positive reaper interval.
	ErrInvalidReaperInterval = errors.New("reaper.interval_s must be > 0")

	// ErrInvalidQueueCapacity indicates a non-positive publish queue bound.
	ErrInvalidQueueCapacity = errors.New("publish.queue_capacity must be > 0")

	// ErrInvalidRetryMax indicates a negative retry ceiling.
	ErrInvalidRetryMax = errors.New("retry_max must be >= 0")

	// ErrInvalidFrameBound indicates a frame bound too small to hold the
	// smallest valid frame.
	ErrInvalidFrameBound = errors.New("decoder.max_frame_bytes must be >= 16")

	// ErrEmptyTopic indicates a bus topic name is empty.
	ErrEmptyTopic = errors.New("bus topic must not be empty")

	// ErrEmptyConsumerGroup indicates the command consumer group is empty.
	ErrEmptyConsumerGroup = errors.New("bus.consumer_group must not be empty")

	// ErrInvalidFailureLimit indicates a non-positive decode failure limit.
	ErrInvalidFailureLimit = errors.New("handler.decode_failure_limit must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return ErrInvalidListenPort
	}

	if cfg.Handler.DecodeFailureLimit < 1 {
		return ErrInvalidFailureLimit
	}

	if cfg.Session.IdleTimeoutS <= 0 {
		return ErrInvalidIdleTimeout
	}

	if cfg.Session.UnauthTimeoutS <= 0 {
		return ErrInvalidUnauthTimeout
	}

	if cfg.Reaper.IntervalS <= 0 {
		return ErrInvalidReaperInterval
	}

	if cfg.Decoder.MaxFrameBytes < 16 {
		return ErrInvalidFrameBound
	}

	if cfg.Publish.QueueCapacity <= 0 {
		return ErrInvalidQueueCapacity
	}

	if cfg.Publish.RetryMax < 0 || cfg.Command.RetryMax < 0 {
		return ErrInvalidRetryMax
	}

	if cfg.Redis.Addr == "" {
		return ErrEmptyRedisAddr
	}

	for _, topic := range []string{
		cfg.Bus.SessionTopic,
		cfg.Bus.TelemetryTopic,
		cfg.Bus.LocationTopic,
		cfg.Bus.CommandTopic,
	} {
		if topic == "" {
			return ErrEmptyTopic
		}
	}

	if cfg.Bus.ConsumerGroup == "" {
		return ErrEmptyConsumerGroup
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
