package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openctemio/scanworker/pkg/logger"
)

// RetentionSchedulerConfig holds configuration for the scheduler.
type RetentionSchedulerConfig struct {
	// Schedule is a standard five-field cron expression (default: "0 3 * * *").
	Schedule string

	// CutoffDays is how old finished scans must be before removal (default: 30).
	CutoffDays int

	// DeleteAll ignores the cutoff.
	DeleteAll bool

	DryRun  bool
	Enabled bool
}

// RetentionScheduler runs the retention sweep on a cron schedule.
type RetentionScheduler struct {
	service *RetentionService
	config  RetentionSchedulerConfig
	cron    *cron.Cron
	now     func() time.Time
	logger  *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewRetentionScheduler creates a new scheduler. The schedule is parsed
// eagerly so a bad expression fails at startup.
func NewRetentionScheduler(service *RetentionService, cfg RetentionSchedulerConfig, log *logger.Logger) (*RetentionScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	if cfg.CutoffDays == 0 {
		cfg.CutoffDays = 30
	}

	s := &RetentionScheduler{
		service: service,
		config:  cfg,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		now:     time.Now,
		logger:  log.With("component", "retention_scheduler"),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.safeSweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start starts the scheduler.
func (s *RetentionScheduler) Start() {
	if !s.config.Enabled {
		s.logger.Info("retention scheduler disabled")
		return
	}
	s.cron.Start()
	s.logger.Info("retention scheduler started",
		"schedule", s.config.Schedule,
		"cutoff_days", s.config.CutoffDays,
		"dry_run", s.config.DryRun,
	)
}

// Stop stops the scheduler and waits for a running sweep.
// Safe to call even if Start() was never called.
func (s *RetentionScheduler) Stop() {
	if !s.config.Enabled {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// Cutoff returns the cutoff a sweep started now would use.
func (s *RetentionScheduler) Cutoff() time.Time {
	if s.config.DeleteAll {
		return time.Time{}
	}
	return s.now().UTC().AddDate(0, 0, -s.config.CutoffDays)
}

func (s *RetentionScheduler) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retention sweep panicked", "panic", r)
		}
	}()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous retention sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if _, err := s.service.Sweep(ctx, SweepOptions{Cutoff: s.Cutoff(), DryRun: s.config.DryRun}); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}
}
