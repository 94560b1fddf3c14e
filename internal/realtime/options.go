package realtime

import (
	"context"
	"time"

	"groupchat/internal/metrics"
)

const (
	defaultSendBuffer   = 256
	defaultTypingTTL    = 5 * time.Second
	defaultStatusWrites = 1024
	defaultWriteTimeout = 5 * time.Second
)

// StatusStore keeps the durable last known status of a user
type StatusStore interface {
	UpdateUserStatus(ctx context.Context, userID, status string) error
}

// StatusMirror receives every durable status transition together with its time
type StatusMirror interface {
	Record(ctx context.Context, userID, status string, at time.Time) error
}

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	sendBuffer            int
	typingTTL             time.Duration
	suppressRepeatedStart bool
	statusStore           StatusStore
	statusMirror          StatusMirror
	statusQueue           int
	writeTimeout          time.Duration
	metrics               *metrics.Metrics
}

func defaultConfig() config {
	return config{
		sendBuffer:   defaultSendBuffer,
		typingTTL:    defaultTypingTTL,
		statusQueue:  defaultStatusWrites,
		writeTimeout: defaultWriteTimeout,
	}
}

// SendBuffer sets how many frames may wait for a slow connection before it is dropped
func SendBuffer(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.sendBuffer = n
		}
	})
}

// TypingTTL sets the window after which an unrefreshed typing indicator is stopped by the server
func TypingTTL(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.typingTTL = d
		}
	})
}

// SuppressRepeatedStart makes StartTyping publish only on the not-typing to typing transition.
// By default every start is published and clients debounce
func SuppressRepeatedStart() Option {
	return optionFunc(func(c *config) {
		c.suppressRepeatedStart = true
	})
}

// WithStatusStore persists online/offline transitions and explicit statuses
func WithStatusStore(s StatusStore) Option {
	return optionFunc(func(c *config) {
		c.statusStore = s
	})
}

// WithStatusMirror additionally records status transitions in a mirror such as Redis
func WithStatusMirror(m StatusMirror) Option {
	return optionFunc(func(c *config) {
		c.statusMirror = m
	})
}

// StatusWriteTimeout bounds every durable status write
func StatusWriteTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	})
}

func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(c *config) {
		c.metrics = m
	})
}
