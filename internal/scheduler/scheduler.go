// Package scheduler owns the periodic triggers: the daily and weekly bulk
// refresh passes and the stuck-job reaper sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/reaper"
)

// Default cron specs, evaluated in UTC.
const (
	DefaultDailySpec  = "0 3 * * *"
	DefaultWeeklySpec = "0 4 * * 1"
	DefaultReapSpec   = "@every 5m"
)

// Config holds the trigger schedules. An empty spec disables that trigger.
type Config struct {
	DailySpec  string
	WeeklySpec string
	ReapSpec   string
}

// DefaultConfig returns the production schedules.
func DefaultConfig() Config {
	return Config{DailySpec: DefaultDailySpec, WeeklySpec: DefaultWeeklySpec, ReapSpec: DefaultReapSpec}
}

// Sweeper is the reaper contract.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Result, error)
}

// RefreshRunner is the refresher contract.
type RefreshRunner interface {
	Refresh(ctx context.Context, freq rank.RefreshFrequency) (RefreshResult, error)
}

// Scheduler runs refresh and reaper passes on cron schedules.
type Scheduler struct {
	cron      *cron.Cron
	refresher RefreshRunner
	sweeper   Sweeper
	logger    *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New registers the configured triggers. Either runner may be nil to leave
// its triggers out.
func New(refresher RefreshRunner, sweeper Sweeper, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{refresher: refresher, sweeper: sweeper, logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if refresher != nil {
		if err := s.add(cfg.DailySpec, "refresh_daily", func(ctx context.Context) error {
			_, err := refresher.Refresh(ctx, rank.RefreshDaily)
			return err
		}); err != nil {
			return nil, err
		}
		if err := s.add(cfg.WeeklySpec, "refresh_weekly", func(ctx context.Context) error {
			_, err := refresher.Refresh(ctx, rank.RefreshWeekly)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if sweeper != nil {
		if err := s.add(cfg.ReapSpec, "reap", func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(spec, name string, fn func(context.Context) error) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.context()
		if ctx == nil {
			return
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
			return
		}
		s.logger.Debug("scheduled task finished", zap.String("task", name), zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing triggers. Task contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop halts the triggers, cancels running tasks, and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Entries reports how many triggers are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
