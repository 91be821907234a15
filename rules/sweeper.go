package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/tenantrules/internal/logger"
)

// CacheSweeper evicts expired cache entries on a cron schedule, bounding
// memory for long-lived processes that see many tenants.
type CacheSweeper struct {
	cache    RulesCache
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	mu       sync.Mutex
	running  bool
}

// NewCacheSweeper creates a sweeper. Schedules use standard cron syntax or
// descriptors such as "@every 10m".
func NewCacheSweeper(cache RulesCache, schedule string) *CacheSweeper {
	return &CacheSweeper{
		cache:    cache,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.Component("rules.sweeper"),
	}
}

// ValidateSchedule reports whether schedule is usable by a sweeper.
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// Start schedules sweeps until ctx is cancelled or Stop is called. An empty
// schedule leaves the sweeper idle.
func (s *CacheSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("cache sweep schedule not configured, relying on lazy expiry")
		return nil
	}
	if s.running {
		return nil
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("cache sweeper started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs a single sweep.
func (s *CacheSweeper) RunOnce() int {
	removed := s.cache.Sweep()
	if removed > 0 {
		s.logger.Debug("cache sweep evicted expired tenants", "removed", removed)
	}
	return removed
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *CacheSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("cache sweeper stopped")
}

// IsRunning returns true if the sweeper is scheduled.
func (s *CacheSweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
