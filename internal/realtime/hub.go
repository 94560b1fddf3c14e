// Package realtime keeps the live state of the chat: which connections are admitted and whose they are,
// which channels every connection receives, the presence of every user and who is typing where.
//
// All of that state lives in one Hub behind one RWMutex. Publishing holds the read lock, so a
// publish always sees a whole connection or none of it; every mutation, in particular the teardown
// of a connection (subscriptions, typing, presence), happens under the write lock at once.
// Sends never block: a connection whose buffer is full is dropped asynchronously
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/auth"
	"groupchat/internal/metrics"
)

// Verifier validates the credential presented at handshake
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Resolver is the membership view used to decide which channels a connection receives
type Resolver interface {
	ServersFor(ctx context.Context, userID string) (map[string][]string, error)
	AuthorizeChannel(ctx context.Context, userID, channelID string) (string, error)
}

var (
	ErrClosed         = errors.New("hub is closed")
	errSendBufferFull = errors.New("send buffer is full")
)

type Hub struct {
	logger   *zap.SugaredLogger
	verifier Verifier
	resolver Resolver
	metrics  *metrics.Metrics
	cfg      config

	mu       sync.RWMutex
	conns    map[string]*Conn
	byUser   map[string]map[string]*Conn
	topics   map[string]map[string]*Conn
	presence map[string]*presence
	typing   map[typingKey]*typingState

	// epochs changes whenever a user's memberships change and layout whenever a channel or
	// server comes or goes, so that a subscription computed from a stale read is never committed
	epochs map[string]uint64
	layout uint64
	closed bool

	statusq    chan statusWrite
	statusDone bool
}

func NewHub(logger *zap.SugaredLogger, verifier Verifier, resolver Resolver, opts ...Option) *Hub {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New()
	}

	h := &Hub{
		logger:   logger,
		verifier: verifier,
		resolver: resolver,
		metrics:  cfg.metrics,
		cfg:      cfg,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		topics:   make(map[string]map[string]*Conn),
		presence: make(map[string]*presence),
		typing:   make(map[typingKey]*typingState),
		epochs:   make(map[string]uint64),
	}
	if cfg.statusStore != nil || cfg.statusMirror != nil {
		h.statusq = make(chan statusWrite, cfg.statusQueue)
	}

	return h
}

// Admit verifies token, registers a new connection for its subject and subscribes it to every
// channel of every server the user belongs to. Nothing is recorded when verification fails;
// the caller must close the transport
func (h *Hub) Admit(ctx context.Context, addr, token string) (*Conn, error) {
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.metrics.AuthFailures.WithLabelValues(string(apperr.ReasonOf(err))).Inc()
		return nil, err
	}

	conn := &Conn{
		id:       xid.New().String(),
		identity: identity,
		addr:     addr,
		send:     make(chan []byte, h.cfg.sendBuffer),
		channels: make(map[string]string),
		servers:  make(map[string]struct{}),
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Internal("admission canceled", err)
		}

		epoch := h.epoch(identity.UserID)
		servers, err := h.resolver.ServersFor(ctx, identity.UserID)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if h.epochLocked(identity.UserID) != epoch {
			h.mu.Unlock()
			continue
		}
		first := h.insertLocked(conn, servers)
		channels := len(conn.channels)
		h.mu.Unlock()

		h.logger.Infof("Admitted connection %s of user %s from %s (%d channels, first: %t)",
			conn.id, identity.UserID, addr, channels, first)

		return conn, nil
	}
}

func (h *Hub) insertLocked(conn *Conn, servers map[string][]string) bool {
	userID := conn.UserID()

	h.conns[conn.id] = conn
	userConns, ok := h.byUser[userID]
	if !ok {
		userConns = make(map[string]*Conn)
		h.byUser[userID] = userConns
	}
	userConns[conn.id] = conn

	for serverID, channels := range servers {
		h.joinLocked(conn, serverID, channels)
	}
	h.metrics.Connections.Inc()

	first := len(userConns) == 1
	if first {
		h.wentOnlineLocked(userID)
	}

	return first
}

// Remove tears conn down: its subscriptions and typing indicators are released, it leaves the
// registry and its send queue is closed. It reports whether this was the user's last connection,
// in which case the user went offline. Removing twice is a no-op
func (h *Hub) Remove(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return false
	}

	userID := conn.UserID()

	h.stopConnTypingLocked(conn)
	h.releaseAllLocked(conn)

	delete(h.conns, conn.id)
	userConns := h.byUser[userID]
	delete(userConns, conn.id)
	last := len(userConns) == 0
	if last {
		delete(h.byUser, userID)
	}

	conn.closed = true
	close(conn.send)
	h.metrics.Connections.Dec()

	if last {
		h.wentOfflineLocked(userID)
	}

	h.logger.Infof("Removed connection %s of user %s (last: %t)", conn.id, userID, last)

	return last
}

// ConnectionsFor returns the live connections of user
func (h *Hub) ConnectionsFor(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		conns = append(conns, c)
	}

	return conns
}

// Len returns the number of live connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// SendTo queues ev to conn alone. Errors of client requests travel this way
func (h *Hub) SendTo(conn *Conn, ev Event) bool {
	payload, err := ev.encode()
	if err != nil {
		h.logger.Errorf("Encoding %s event: %v", ev.Name, err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if conn.closed {
		return false
	}
	if !conn.trySend(payload) {
		h.dropLocked(conn)
		return false
	}
	h.metrics.EventsDelivered.WithLabelValues(ev.Name).Inc()

	return true
}

// Close tears every connection down without announcing presence changes, records every online
// user as offline and stops the status writer once its queue is drained
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for key, st := range h.typing {
		st.timer.Stop()
		delete(h.typing, key)
	}

	for userID := range h.byUser {
		h.presenceLocked(userID).status = StatusOffline
		h.enqueueStatusLocked(userID, StatusOffline)
	}

	for _, c := range h.conns {
		c.closed = true
		close(c.send)
	}

	h.conns = make(map[string]*Conn)
	h.byUser = make(map[string]map[string]*Conn)
	h.topics = make(map[string]map[string]*Conn)
	h.metrics.Connections.Set(0)
	h.metrics.OnlineUsers.Set(0)

	if h.statusq != nil {
		close(h.statusq)
		h.statusDone = true
	}

	h.logger.Info("Realtime hub is closed")
}

// deliverLocked queues ev to every target except the connection with id except.
// Callers hold h.mu for reading or writing
func (h *Hub) deliverLocked(targets map[string]*Conn, ev Event, except string) int {
	if len(targets) == 0 {
		return 0
	}

	payload, err := ev.encode()
	if err != nil {
		h.logger.Errorf("Encoding %s event: %v", ev.Name, err)
		return 0
	}

	n := 0
	for id, c := range targets {
		if id == except || c.closed {
			continue
		}
		if c.trySend(payload) {
			n++
			continue
		}
		h.dropLocked(c)
	}
	h.metrics.EventsDelivered.WithLabelValues(ev.Name).Add(float64(n))

	return n
}

// dropLocked schedules the teardown of a connection that can no longer keep up.
// The publisher is never failed by it
func (h *Hub) dropLocked(c *Conn) {
	h.metrics.EventsDropped.Inc()
	h.logger.Warnf("Dropping connection: %v", apperr.Transport(c.id, errSendBufferFull))
	go h.Remove(c)
}

// epoch changes whenever anything a membership read of user depends on changes
func (h *Hub) epoch(userID string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.epochLocked(userID)
}

func (h *Hub) epochLocked(userID string) uint64 {
	return h.epochs[userID] + h.layout
}
