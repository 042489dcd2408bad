package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SamplingConfig configures log sampling for noisy production workers.
type SamplingConfig struct {
	Enabled bool

	// Tick is the window after which per-message counters reset.
	Tick time.Duration

	// Threshold is how many identical records pass per tick before sampling starts.
	Threshold uint64

	// Rate is the fraction of records kept once the threshold is crossed.
	Rate float64

	// ErrorRate replaces Rate for warn and error records.
	ErrorRate float64

	// NeverSample lists message prefixes that always pass (e.g. "quota:").
	NeverSample []string
}

const (
	DefaultSamplingTick      = time.Second
	DefaultSamplingThreshold = 100
	DefaultSamplingRate      = 0.1
	maxSamplingKeys          = 10000
)

type samplingState struct {
	mu        sync.Mutex
	counts    map[string]uint64
	lastReset time.Time
}

type samplingHandler struct {
	next    slog.Handler
	cfg     SamplingConfig
	state   *samplingState
	dropped *atomic.Uint64
}

// NewSamplingHandler wraps h with threshold sampling keyed by level and message.
// When cfg.Enabled is false h is returned unchanged.
func NewSamplingHandler(h slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return h
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultSamplingTick
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSamplingThreshold
	}
	return &samplingHandler{
		next: h,
		cfg:  cfg,
		state: &samplingState{
			counts:    make(map[string]uint64),
			lastReset: time.Now(),
		},
		dropped: &atomic.Uint64{},
	}
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, prefix := range h.cfg.NeverSample {
		if strings.HasPrefix(r.Message, prefix) {
			return h.next.Handle(ctx, r)
		}
	}

	count, tracked := h.observe(r.Level.String() + ":" + r.Message)
	if !tracked || count <= h.cfg.Threshold {
		return h.next.Handle(ctx, r)
	}

	rate := h.cfg.Rate
	if r.Level >= slog.LevelWarn {
		rate = h.cfg.ErrorRate
	}
	if keep(count, rate) {
		return h.next.Handle(ctx, r)
	}
	h.dropped.Add(1)
	return nil
}

func (h *samplingHandler) observe(key string) (uint64, bool) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastReset) >= h.cfg.Tick {
		clear(s.counts)
		s.lastReset = time.Now()
	}
	if _, ok := s.counts[key]; !ok && len(s.counts) >= maxSamplingKeys {
		return 0, false
	}
	s.counts[key]++
	return s.counts[key], true
}

func keep(count uint64, rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	interval := uint64(1 / rate)
	return count%interval == 0
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{next: h.next.WithAttrs(attrs), cfg: h.cfg, state: h.state, dropped: h.dropped}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{next: h.next.WithGroup(name), cfg: h.cfg, state: h.state, dropped: h.dropped}
}

// Dropped reports how many records a sampling handler has discarded.
// It returns 0 for handlers that do not sample.
func Dropped(h slog.Handler) uint64 {
	if sh, ok := h.(*samplingHandler); ok {
		return sh.dropped.Load()
	}
	return 0
}
