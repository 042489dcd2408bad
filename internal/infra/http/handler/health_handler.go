package handler

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const readyTimeout = 5 * time.Second

// Pinger is a dependency the readiness probe can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type namedCheck struct {
	name string
	p    Pinger
}

// HealthHandler serves the liveness and readiness probes. Liveness never
// touches a dependency; readiness pings the job table, Redis and the
// result bucket.
type HealthHandler struct {
	checks []namedCheck
}

// HealthHandlerOption registers a readiness check.
type HealthHandlerOption func(*HealthHandler)

func WithDatabase(db Pinger) HealthHandlerOption  { return WithCheck("database", db) }
func WithRedis(r Pinger) HealthHandlerOption      { return WithCheck("redis", r) }
func WithStorage(store Pinger) HealthHandlerOption { return WithCheck("storage", store) }

// WithCheck adds a named readiness check. A nil pinger is ignored so
// optional dependencies can be passed unconditionally.
func WithCheck(name string, p Pinger) HealthHandlerOption {
	return func(h *HealthHandler) {
		if p != nil {
			h.checks = append(h.checks, namedCheck{name: name, p: p})
		}
	}
}

func NewHealthHandler(opts ...HealthHandlerOption) *HealthHandler {
	h := &HealthHandler{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health serves /health and /_health.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

type ReadyResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Ready serves /ready. Checks run concurrently and any failure is a 503.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			results[i] = ping(ctx, c.p)
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(results)),
	}
	code := http.StatusOK
	for i, res := range results {
		resp.Checks[h.checks[i].name] = res
		if res.Error != "" {
			resp.Status, code = "not_ready", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func ping(ctx context.Context, p Pinger) CheckResult {
	start := time.Now()
	err := p.Ping(ctx)
	res := CheckResult{Status: "ok", Duration: time.Since(start).String()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}
