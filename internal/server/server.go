// Package server exposes the HTTP API: on-demand test triggers, profile
// management, repo connect, and the cipher helper endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"speedtrackerd/internal/github"
	"speedtrackerd/internal/scheduler"
	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RatePerMinute limits on-demand test triggers per user. 0 disables.
	RatePerMinute int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3001"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	// WriteTimeout stays 0 by default: a triggered test can legitimately
	// take minutes before the response is written.
	return c
}

// Server manages lifecycle for the API listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string

	handler http.Handler
}

func New(cfg Config, store storage.Store, sched *scheduler.Service, gh *github.Client, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	h := &handlers{
		log:   log,
		store: store,
		sched: sched,
		gh:    gh,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)

	trigger := rateLimit(cfg.RatePerMinute, http.HandlerFunc(h.triggerTest))
	mux.Handle("GET /v1/test/{user}/{repo}/{branch}/{profile}", trigger)
	mux.Handle("POST /v1/test/{user}/{repo}/{branch}/{profile}", trigger)

	mux.HandleFunc("POST /create/{user}/{repo}/{branch}", h.createProfile)
	mux.HandleFunc("GET /v1/profiles/{user}/{repo}/{branch}", h.listProfiles)
	mux.HandleFunc("GET /v1/runs/{user}/{repo}/{branch}/{profile}", h.listRuns)
	mux.HandleFunc("GET /v1/connect/{user}/{repo}", h.connect)

	mux.HandleFunc("GET /encrypt/{key}", h.encrypt)
	mux.HandleFunc("GET /encrypt/{key}/{text}", h.encrypt)
	mux.HandleFunc("GET /decrypt/{key}/{text}", h.decrypt)

	// catch-all, mirroring the error body shape of the other endpoints
	mux.HandleFunc("/", h.notFound)

	s := &Server{
		log:     log,
		handler: cors(mux),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler (used by tests).
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	addr := s.addr
	s.ln = nil
	s.addr = ""
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http stopped", logx.String("addr", addr))
	return nil
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
