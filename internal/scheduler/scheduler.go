// Package scheduler triggers ingestion cycles on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/tgkiet/air-quality-weather-meteo/internal/pipeline"
)

// Runner executes one cycle.
type Runner interface {
	RunCycle(ctx context.Context) (pipeline.Report, error)
}

// Scheduler runs a Runner every interval, starting immediately. Singleton
// mode keeps a slow cycle from overlapping the next one.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a Scheduler.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the job and starts the scheduler in the background.
// Cycles receive ctx, so cancelling it aborts a cycle in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid schedule interval %s", s.interval)
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		if ctx.Err() != nil {
			return
		}
		rep, err := s.runner.RunCycle(ctx)
		if err != nil {
			// Already logged by the pipeline; the next tick retries.
			s.logger.Warn("scheduled cycle failed", "run_id", rep.RunID, "retryable", rep.Retryable)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling ingestion job: %w", err)
	}

	s.logger.Info("scheduler started", "interval", s.interval)
	s.scheduler.StartAsync()
	return nil
}

// NextRun returns when the next cycle is due, or the zero time if the
// scheduler has not been started.
func (s *Scheduler) NextRun() time.Time {
	_, t := s.scheduler.NextRun()
	return t
}

// Stop stops the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")
}
