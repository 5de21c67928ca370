// Package scheduler triggers backup runs on a cron schedule, one at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one triggered unit of work
type Job func(ctx context.Context) error

// Config holds schedule settings
type Config struct {
	Cron        string
	MaxDuration time.Duration // zero means no limit
}

// Scheduler runs a Job whenever its cron schedule fires. A trigger that
// arrives while the previous run is still active is skipped.
type Scheduler struct {
	cfg      Config
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	running bool
	lastRun time.Time
	lastErr error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	return parser.Parse(expr)
}

// New creates a new Scheduler
func New(cfg Config, job Job, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		schedule: sched,
		job:      job,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// NextRun returns the next scheduled run time
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

// IsRunning reports whether a run is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastRun returns when the last run finished and how it ended
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastErr
}

// Run starts the cron loop and blocks until ctx is done. The active run, if
// any, sees ctx cancelled and Run waits for it to return.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Trigger(ctx) }))
	c.Start()
	s.logger.Info("scheduler started", "cron", s.cfg.Cron, "next_run", s.NextRun())

	<-ctx.Done()
	s.logger.Info("scheduler stopping, waiting for active run")
	<-c.Stop().Done()
	return nil
}

// Trigger runs the job now unless a run is already active. It reports whether
// the job ran.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous backup still running, skipping trigger")
		return false
	}
	s.running = true
	s.mu.Unlock()

	runCtx := ctx
	if s.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
		defer cancel()
	}

	err := s.job(runCtx)

	s.mu.Lock()
	s.running = false
	s.lastRun = s.now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled backup failed", "error", err, "next_run", s.NextRun())
	} else {
		s.logger.Info("scheduled backup finished", "next_run", s.NextRun())
	}
	return true
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
