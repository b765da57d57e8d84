// Package config reads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListenAddr       = ":1234"
	DefaultAwarenessTimeout = 30 * time.Second
	DefaultQueueSize        = 256
	DefaultMaxPending       = 1024
	DefaultPendingTimeout   = 30 * time.Second
	DefaultReadLimit        = 1 << 20
	DefaultPingInterval     = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

const (
	LogFormatAuto    = "auto"
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Config struct {
	ListenAddr string
	// RoomPrefix is stripped from request paths before they are used as
	// room names.
	RoomPrefix string

	AwarenessTimeout time.Duration
	SweepInterval    time.Duration
	QueueSize        int
	MaxPending       int
	PendingTimeout   time.Duration
	ReadLimit        int64
	PingInterval     time.Duration
	WriteTimeout     time.Duration

	LogLevel  string
	LogFormat string

	// RedisAddr enables persistence when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func Default() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		AwarenessTimeout: DefaultAwarenessTimeout,
		SweepInterval:    DefaultAwarenessTimeout / 10,
		QueueSize:        DefaultQueueSize,
		MaxPending:       DefaultMaxPending,
		PendingTimeout:   DefaultPendingTimeout,
		ReadLimit:        DefaultReadLimit,
		PingInterval:     DefaultPingInterval,
		WriteTimeout:     DefaultWriteTimeout,
		LogLevel:         "info",
		LogFormat:        LogFormatAuto,
	}
}

// Load builds a Config from the process environment. Unparseable values
// are logged and replaced by their defaults.
func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	c := Default()
	e := env{getenv: getenv}

	if port := getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	c.ListenAddr = e.str("RELAY_LISTEN_ADDR", c.ListenAddr)
	c.RoomPrefix = e.str("RELAY_ROOM_PREFIX", c.RoomPrefix)

	c.AwarenessTimeout = e.duration("RELAY_AWARENESS_TIMEOUT", c.AwarenessTimeout)
	c.SweepInterval = e.duration("RELAY_SWEEP_INTERVAL", c.AwarenessTimeout/10)
	c.QueueSize = e.integer("RELAY_QUEUE_SIZE", c.QueueSize)
	c.MaxPending = e.integer("RELAY_MAX_PENDING", c.MaxPending)
	c.PendingTimeout = e.duration("RELAY_PENDING_TIMEOUT", c.PendingTimeout)
	c.ReadLimit = int64(e.integer("RELAY_READ_LIMIT", int(c.ReadLimit)))
	c.PingInterval = e.duration("RELAY_PING_INTERVAL", c.PingInterval)
	c.WriteTimeout = e.duration("RELAY_WRITE_TIMEOUT", c.WriteTimeout)

	c.LogLevel = e.str("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = e.str("RELAY_LOG_FORMAT", c.LogFormat)

	c.RedisAddr = e.str("RELAY_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = e.str("RELAY_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = e.integer("RELAY_REDIS_DB", c.RedisDB)
	return c
}

type env struct {
	getenv func(string) string
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
		return def
	}
	return n
}

func (e env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
		return def
	}
	return d
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	positive := []struct {
		name string
		ok   bool
	}{
		{"awareness timeout", c.AwarenessTimeout > 0},
		{"sweep interval", c.SweepInterval > 0},
		{"queue size", c.QueueSize > 0},
		{"max pending", c.MaxPending > 0},
		{"pending timeout", c.PendingTimeout > 0},
		{"read limit", c.ReadLimit > 0},
		{"ping interval", c.PingInterval > 0},
		{"write timeout", c.WriteTimeout > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	switch c.LogFormat {
	case LogFormatAuto, LogFormatJSON, LogFormatConsole:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("redis db must not be negative"))
	}
	return errors.Join(errs...)
}

// SetupLogging configures the global zerolog logger.
func (c Config) SetupLogging() error {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	format := c.LogFormat
	if format == LogFormatAuto {
		format = LogFormatJSON
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = LogFormatConsole
		}
	}
	if format == LogFormatConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
