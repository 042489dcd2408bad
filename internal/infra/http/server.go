package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
	"github.com/openctemio/scanworker/pkg/logger"
)

const hstsOneYear = 31536000

// Server owns the listener and the global middleware stack. Routes are
// registered on Router() after construction.
type Server struct {
	srv    *http.Server
	router Router
	addr   string
	logger *logger.Logger
	stops  []func()
}

// NewServer installs the global middleware. The per-request timeout is
// left to the route groups so /process can run a scan inline.
func NewServer(cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		router: NewChiRouter(),
		addr:   cfg.Server.Addr(),
		logger: log.With("component", "http"),
	}

	// Recovery and request id must wrap everything below them.
	s.router.Use(
		middleware.RecoveryWithConfig(log, cfg.IsProduction()),
		middleware.RequestID(),
		middleware.SecurityHeadersWithConfig(middleware.SecurityHeadersConfig{
			HSTSEnabled:           cfg.IsProduction(),
			HSTSMaxAge:            hstsOneYear,
			HSTSIncludeSubdomains: true,
		}),
		middleware.BodyLimit(cfg.Server.MaxBodySize),
	)
	if cfg.RateLimit.Enabled {
		mw, stop := middleware.RateLimitWithStop(&cfg.RateLimit, log)
		s.stops = append(s.stops, stop)
		s.router.Use(mw)
	}

	logCfg := middleware.LoggerConfig{
		SlowRequestThreshold: time.Duration(cfg.Log.SlowRequestSeconds) * time.Second,
	}
	if cfg.Log.SkipHealthLogs {
		logCfg.SkipPaths = middleware.HealthPaths
	}
	s.router.Use(middleware.Metrics(), middleware.LoggerWithConfig(log, logCfg))

	writeTimeout := cfg.Server.WriteTimeout
	if cfg.Worker.ProcessInline {
		// An inline /process holds the connection for the whole scan.
		writeTimeout = 0
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       time.Minute,
	}
	return s
}

func (s *Server) Router() Router {
	return s.router
}

// Start blocks serving requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return nil
}

// Shutdown stops background middleware work and drains open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, stop := range s.stops {
		stop()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
