package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openctemio/scanworker/internal/config"
	"github.com/openctemio/scanworker/pkg/apierror"
	"github.com/openctemio/scanworker/pkg/logger"
)

// visitorIdleTTL is how long an idle client's bucket is kept.
const visitorIdleTTL = 3 * time.Minute

// RateLimiter is a per-client-IP token bucket in front of every route
// except the health probes. The per-user submission window lives in Redis.
type RateLimiter struct {
	rate  rate.Limit
	burst int
	log   *logger.Logger

	mu       sync.Mutex
	visitors map[string]*visitor

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its eviction loop.
func NewRateLimiter(cfg *config.RateLimitConfig, log *logger.Logger) *RateLimiter {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	rl := &RateLimiter{
		rate:     rate.Limit(cfg.RequestsPerSec),
		burst:    cfg.Burst,
		log:      log,
		visitors: make(map[string]*visitor),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go rl.evictLoop(interval)
	return rl
}

// Stop ends the eviction loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
	<-rl.stopped
}

func (rl *RateLimiter) limiterFor(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (rl *RateLimiter) evictLoop(interval time.Duration) {
	defer close(rl.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if now.Sub(v.lastSeen) > visitorIdleTTL {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	exempt := make(map[string]bool, len(HealthPaths))
	for _, p := range HealthPaths {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			ip := clientIP(r)
			limiter := rl.limiterFor(ip, now)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			if !limiter.AllowN(now, 1) {
				retry := 1
				if rl.rate > 0 {
					retry = int(math.Ceil(1 / float64(rl.rate)))
				}
				rl.log.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "request_id", GetRequestID(r.Context()))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				apierror.TooManyRequests("").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, int(limiter.TokensAt(now)))))

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitWithStop builds the middleware and the stop function the server
// calls on shutdown. A disabled config yields a pass-through.
func RateLimitWithStop(cfg *config.RateLimitConfig, log *logger.Logger) (func(http.Handler) http.Handler, func()) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, func() {}
	}
	rl := NewRateLimiter(cfg, log)
	return rl.Middleware(), rl.Stop
}

// clientIP is the host part of RemoteAddr. chi's RealIP middleware has
// already replaced it with X-Real-IP or X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
