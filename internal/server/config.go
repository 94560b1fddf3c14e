package server

import (
	"net/http"
	"strconv"
	"time"

	"groupchat/internal/metrics"
	"groupchat/internal/storage"
)

const (
	defaultReadLimit      = 64 * 1024
	defaultTypingTTL      = 5 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultSendBuffer     = 256
	defaultTokenTTL       = 24 * time.Hour
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer     *http.Server
	requestTimeout time.Duration
	timeoutMsg     string
	afterShutdown  []func()
	readLimit      int64
	origins        []string
	typingTTL      time.Duration
	persistTimeout time.Duration
	sendBuffer     int
	tokenTTL       time.Duration
	lastSeen       LastSeen
	metrics        *metrics.Metrics
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port uint16 `env:"PORT" envDefault:"9000"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"dev-secret"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"groupchat"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Backend is memory or postgres
	Backend string `env:"STORAGE_BACKEND" envDefault:"memory"`

	DB storage.Config

	RedisAddr string `env:"REDIS_ADDR"`

	TypingTTL      time.Duration `env:"TYPING_TTL" envDefault:"5s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	SendBuffer     int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	ReadLimit      int64         `env:"WS_READ_LIMIT" envDefault:"65536"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Addr returns the listen address of EnvConfig
func (c EnvConfig) Addr() string {
	return c.Host + ":" + strconv.FormatUint(uint64(c.Port), 10)
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Addr()
		if cfg.TypingTTL > 0 {
			c.typingTTL = cfg.TypingTTL
		}
		if cfg.PersistTimeout > 0 {
			c.persistTimeout = cfg.PersistTimeout
		}
		if cfg.RequestTimeout > 0 {
			c.requestTimeout = cfg.RequestTimeout
		}
		if cfg.TokenTTL > 0 {
			c.tokenTTL = cfg.TokenTTL
		}
		if cfg.SendBuffer > 0 {
			c.sendBuffer = cfg.SendBuffer
		}
		if cfg.ReadLimit > 0 {
			c.readLimit = cfg.ReadLimit
		}
		c.origins = cfg.AllowedOrigins
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// TimeoutHandler wraps each REST handler in http.TimeoutHandler with provided duration and message.
// The websocket endpoint is never wrapped
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		c.requestTimeout = d
		c.timeoutMsg = msg
	})
}

// AllowedOrigins restricts websocket upgrades to the given origins; "*" allows any.
// With no origins every request is accepted, which suits non-browser clients
func AllowedOrigins(origins ...string) Option {
	return optionFunc(func(c *config) {
		c.origins = origins
	})
}

// TypingTTL sets the typing watchdog window
func TypingTTL(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.typingTTL = d
	})
}

// WithLastSeen mirrors status transitions and serves last seen lookups
func WithLastSeen(l LastSeen) Option {
	return optionFunc(func(c *config) {
		c.lastSeen = l
	})
}

func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(c *config) {
		c.metrics = m
	})
}
