// Package app composes the realtime process: websocket transport, packet
// dispatch, cross-instance relay, and the audit change ingest API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vernite/realtime/internal/platform/timeouts"
	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/changes"
	"github.com/vernite/realtime/internal/services/realtime/dispatch"
	"github.com/vernite/realtime/internal/services/realtime/handlers"
	"github.com/vernite/realtime/internal/services/realtime/metrics"
	"github.com/vernite/realtime/internal/services/realtime/relay"
	"github.com/vernite/realtime/internal/services/realtime/session"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Config defines the inputs for the realtime transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// JWTSecret verifies HS256 handshake tokens. Required unless
	// AllowAnonymous is set.
	JWTSecret      string
	AllowAnonymous bool

	KeepAliveTimeout     time.Duration
	PingInterval         time.Duration
	ServerPing           bool
	WriteTimeout         time.Duration
	HandlerTimeout       time.Duration
	MaxFrameBytes        int
	MaxFramesPerSecond   int
	BroadcastConcurrency int

	RelayChannelPrefix string
	HistoryLimit       int
}

// Deps are the external collaborators of the server.
type Deps struct {
	Logger *zap.Logger
	// Store persists audit logs and entity snapshots.
	Store audit.Store
	// Notifiers receive recorded logs in addition to the realtime
	// entity.changed broadcast.
	Notifiers []audit.Notifier
	// Redis enables cross-instance fan-out when set.
	Redis goredis.UniversalClient
	// Authorizer decides room joins. Defaults to the handshake rooms claim.
	Authorizer handlers.RoomAuthorizer
	// Registry collects metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	sessions    *session.Registry
	broadcaster *session.Broadcaster
	relay       relay.Relay
	dispatcher  *dispatch.Dispatcher
	reaper      *session.Reaper
	store       audit.Store
	changes     *changes.Service
	auth        *Authenticator
	rooms       handlers.RoomAuthorizer

	handler    http.Handler
	httpServer *http.Server
}

// New wires the realtime server.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	if cfg.HTTPAddr == "" {
		return nil, errors.New("http address is required")
	}
	if deps.Store == nil {
		return nil, errors.New("audit store is required")
	}
	if cfg.JWTSecret == "" && !cfg.AllowAnonymous {
		return nil, errors.New("jwt secret is required unless anonymous connections are allowed")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = handlers.ClaimsAuthorizer{}
	}

	m := metrics.New(reg)
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sessions: session.NewRegistry(),
		store:    deps.Store,
		rooms:    authorizer,
	}
	metrics.RegisterSessionGauge(reg, s.sessions.Len)

	s.broadcaster = session.NewBroadcaster(s.sessions,
		session.WithConcurrency(cfg.BroadcastConcurrency),
		session.WithLogger(logger),
		session.WithObserver(func(r session.Report) {
			m.ObserveBroadcast(r.Delivered, r.Dropped, len(r.Failures))
		}),
	)
	if deps.Redis != nil {
		s.relay = relay.NewRedis(deps.Redis, cfg.RelayChannelPrefix, s.broadcaster, logger,
			relay.WithReceiveHook(m.IncRelayReceived))
	} else {
		s.relay = relay.NewLocal(s.broadcaster)
	}

	registry := dispatch.NewRegistry()
	if err := handlers.Register(registry, handlers.Deps{
		Publisher:  s.relay,
		Authorizer: authorizer,
		Logger:     logger,
	}); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	s.dispatcher = dispatch.New(registry, dispatch.Config{
		MaxFrameBytes:      cfg.MaxFrameBytes,
		MaxFramesPerSecond: cfg.MaxFramesPerSecond,
		HandlerTimeout:     cfg.HandlerTimeout,
	}, dispatch.WithLogger(logger), dispatch.WithObserver(m))

	s.reaper = session.NewReaper(s.sessions, s.broadcaster, session.ReaperConfig{
		Timeout:  cfg.KeepAliveTimeout,
		Interval: cfg.PingInterval,
		Ping:     cfg.ServerPing,
	}, logger, func(reaped *session.Session) {
		s.dispatcher.Forget(reaped.ID())
		m.IncReaped()
	})

	notifiers := append([]audit.Notifier{changes.NewBroadcaster(s.relay)}, deps.Notifiers...)
	recorder := audit.NewRecorder(deps.Store,
		audit.WithNotifiers(notifiers...),
		audit.WithLogger(logger),
		audit.WithObserver(m),
	)
	s.changes = changes.NewService(recorder, logger)

	if cfg.JWTSecret != "" {
		s.auth = NewAuthenticator([]byte(cfg.JWTSecret))
	}

	s.handler = s.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Group(func(r chi.Router) {
		r.Use(s.identify)
		r.Method(http.MethodGet, "/ws", s.websocketHandler())
		s.registerAudit(r)
	})
	return r
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.handler }

// Sessions returns the live session registry.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Relay returns the room fan-out used by handlers and change broadcasts.
func (s *Server) Relay() relay.Relay { return s.relay }

// Run builds the server and serves until ctx ends.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	server, err := New(cfg, deps)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, the keep-alive reaper, and the relay
// subscriber until ctx ends or one of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	s.logger.Info("realtime server listening", zap.String("addr", listener.Addr().String()))

	g.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.reaper.Run(ctx) })
	g.Go(func() error {
		if err := s.relay.Run(ctx); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by http.Server.
	for _, sess := range s.sessions.Snapshot(nil) {
		_ = sess.Close()
	}
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
