// Package httpapi exposes the edge's HTTP surface. It is intentionally
// thin: every handler reads the shared caches or hands work to the
// validator and metrics sink, and fits into the system manager lifecycle as
// a sibling of the background workers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/Defman/unleash-edge/internal/app/metrics"
	"github.com/Defman/unleash-edge/internal/app/system"
	"github.com/Defman/unleash-edge/pkg/logger"
)

var _ system.Service = (*Service)(nil)

// ServerConfig tunes the HTTP service.
type ServerConfig struct {
	Addr            string
	ShutdownGrace   time.Duration
	RequestsPerSec  float64
	RateLimitBurst  int
	CORSAllowOrigin string
}

// Service exposes the edge API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	grace   time.Duration
	server  *http.Server
	handler http.Handler
	log     *logger.Logger

	// exited closes when the listener stops; the application races on it so
	// an unexpected server exit shuts the process down.
	exited chan struct{}
}

// NewService assembles the middleware chain around the edge handler.
// Order matters: auth must see real requests, CORS short-circuits preflight
// OPTIONS before auth, metrics wraps the final handler.
func NewService(deps HandlerDeps, cfg ServerConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	handler := NewHandler(deps, log)
	handler = wrapWithRateLimit(handler, cfg.RequestsPerSec, cfg.RateLimitBurst)
	handler = wrapWithCORS(handler, cfg.CORSAllowOrigin)
	handler = metrics.InstrumentHandler(handler)

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Service{
		addr:    cfg.Addr,
		grace:   grace,
		handler: handler,
		log:     log,
		exited:  make(chan struct{}),
	}
}

func (s *Service) Name() string { return "http" }

// Exited closes when the listener terminates for any reason.
func (s *Service) Exited() <-chan struct{} {
	return s.exited
}

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		defer close(s.exited)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	s.log.WithField("addr", s.addr).Info("http server started")
	return nil
}

// Stop drains in-flight requests within the configured grace period.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	return s.server.Shutdown(drainCtx)
}

// wrapWithCORS allows cross-origin requests from browser SDKs and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
