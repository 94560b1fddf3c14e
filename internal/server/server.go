package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/internal/auth"
	"groupchat/internal/chat"
	"groupchat/internal/community"
	"groupchat/internal/lastseen"
	"groupchat/internal/membership"
	"groupchat/internal/metrics"
	"groupchat/internal/realtime"
	"groupchat/internal/storage"
)

// Store is everything the server needs from the persistence layer.
// Both storage.Store and storage.Memory implement it
type Store interface {
	membership.Store
	chat.Store
	realtime.StatusStore

	CreateUser(ctx context.Context, username, email string) (storage.User, error)
	GetUserByID(ctx context.Context, id string) (storage.User, error)
	community.Store
}

// LastSeen mirrors status transitions and answers last seen lookups
type LastSeen interface {
	realtime.StatusMirror
	Get(ctx context.Context, userID string) (lastseen.Record, bool, error)
}

// Server defines fields used in HTTP and websocket processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
	hub           *realtime.Hub
	hubDone       chan struct{}
	h             handler
}

// NewServer wires the realtime hub, the message engine and the HTTP routes on top of store
func NewServer(logger *zap.SugaredLogger, store Store, verifier *auth.Verifier, opts ...Option) (*Server, error) {
	cfg := &config{
		httpServer:     &http.Server{Addr: ":9000"},
		timeoutMsg:     "request timed out",
		readLimit:      defaultReadLimit,
		typingTTL:      defaultTypingTTL,
		persistTimeout: defaultPersistTimeout,
		sendBuffer:     defaultSendBuffer,
		tokenTTL:       defaultTokenTTL,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New()
	}

	resolver := membership.NewResolver(store)

	hubOpts := []realtime.Option{
		realtime.SendBuffer(cfg.sendBuffer),
		realtime.TypingTTL(cfg.typingTTL),
		realtime.WithStatusStore(store),
		realtime.StatusWriteTimeout(cfg.persistTimeout),
		realtime.WithMetrics(cfg.metrics),
	}
	if cfg.lastSeen != nil {
		hubOpts = append(hubOpts, realtime.WithStatusMirror(cfg.lastSeen))
	}
	hub := realtime.NewHub(logger, verifier, resolver, hubOpts...)

	engine := chat.NewEngine(logger, store, resolver, hub,
		chat.Timeout(cfg.persistTimeout),
		chat.WithMetrics(cfg.metrics),
	)

	communities := community.NewService(logger, store, resolver, hub, community.Timeout(cfg.persistTimeout))

	origins := newOriginPolicy(logger, cfg.origins)

	srv := &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
		hub:           hub,
		hubDone:       make(chan struct{}),
		h: handler{
			logger:    logger,
			store:     store,
			verifier:  verifier,
			community: communities,
			hub:       hub,
			engine:    engine,
			lastSeen:  cfg.lastSeen,
			tokenTTL:  cfg.tokenTTL,
			readLimit: cfg.readLimit,
			upgrader: websocket.Upgrader{
				ReadBufferSize:  1024,
				WriteBufferSize: 1024,
				CheckOrigin:     origins.check,
			},
		},
	}

	srv.httpServer.Handler = srv.routes(cfg)

	go func() {
		defer close(srv.hubDone)
		hub.Run(context.Background())
	}()

	return srv, nil
}

func (s *Server) routes(cfg *config) http.Handler {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return log(next, s.logger.Desugar())
	})

	r.HandleFunc("/healthz", s.h.health).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.h.serveWS).Methods(http.MethodGet)

	rest := r.NewRoute().Subrouter()
	rest.Use(enforceJSON)
	if cfg.requestTimeout > 0 {
		rest.Use(func(next http.Handler) http.Handler {
			return http.TimeoutHandler(next, cfg.requestTimeout, cfg.timeoutMsg)
		})
	}
	rest.HandleFunc("/users", s.h.createUser).Methods(http.MethodPost)

	api := rest.NewRoute().Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return authenticate(next, s.h.verifier, s.logger)
	})
	api.HandleFunc("/users/me", s.h.me).Methods(http.MethodGet)
	api.HandleFunc("/users/me/status", s.h.setStatus).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}/presence", s.h.presence).Methods(http.MethodGet)
	api.HandleFunc("/servers", s.h.createServer).Methods(http.MethodPost)
	api.HandleFunc("/servers/me", s.h.myServers).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}", s.h.getServer).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}", s.h.updateServer).Methods(http.MethodPut)
	api.HandleFunc("/servers/{id}", s.h.deleteServer).Methods(http.MethodDelete)
	api.HandleFunc("/servers/{id}/channels", s.h.serverChannels).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/channels", s.h.createChannel).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id}/join", s.h.joinServer).Methods(http.MethodPost)
	api.HandleFunc("/servers/{id}/leave", s.h.leaveServer).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}", s.h.getChannel).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}", s.h.updateChannel).Methods(http.MethodPut)
	api.HandleFunc("/channels/{id}", s.h.deleteChannel).Methods(http.MethodDelete)
	api.HandleFunc("/channels/{id}/messages", s.h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", s.h.createMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.h.getMessage).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", s.h.editMessage).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}", s.h.deleteMessage).Methods(http.MethodDelete)

	return r
}

// Handler returns the root handler, for use with httptest
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the realtime hub shared by every transport
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	return nil
}

// Shutdown stops accepting requests, closes every live connection, waits for pending status
// writes and runs the functions registered with RegisterAfterShutdown
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("HTTP server is stopped")

	s.Close()

	for _, f := range s.afterShutdown {
		f()
	}

	return err
}

// Close closes the hub and waits until its status writer is drained.
// The HTTP listener, if any, is left to the caller
func (s *Server) Close() {
	s.hub.Close()
	<-s.hubDone
}
