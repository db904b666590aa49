// Package api exposes the operator and tenant HTTP surface: manual scan
// triggers, scan lookups, schedule and notification preference management,
// risk reads, queue introspection and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scanwatch/internal/metrics"
	"scanwatch/internal/notify"
	"scanwatch/internal/queue"
	"scanwatch/internal/scan"
	"scanwatch/internal/storage"
	"scanwatch/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store  storage.Store
	scans  *scan.Service
	queue  *queue.Service
	notify *notify.Service
	met    *metrics.Metrics

	srv *http.Server
}

func New(cfg Config, store storage.Store, scans *scan.Service, q *queue.Service, n *notify.Service, met *metrics.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "api")),
		store:  store,
		scans:  scans,
		queue:  q,
		notify: n,
		met:    met,
	}
}

// Router builds the route tree. Split out so tests can drive handlers with
// httptest without binding a socket.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/queue", s.handleQueueSnapshot)
	r.Get("/notifications/recent", s.handleRecentNotifications)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/scans", s.handleTriggerScan)
		r.Get("/risk", s.handleLatestRisk)
		r.Get("/schedule", s.handleGetSchedule)
		r.Put("/schedule", s.handlePutSchedule)
		r.Get("/notifications", s.handleGetPrefs)
		r.Put("/notifications", s.handlePutPrefs)
	})

	r.Route("/scans/{scanID}", func(r chi.Router) {
		r.Get("/", s.handleGetScan)
		r.Delete("/", s.handleDeleteScan)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.srv

	go func() {
		s.log.Info("http api listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http api shutdown", logx.Err(err))
	}
}
