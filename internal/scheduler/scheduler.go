// Package scheduler runs the grading workers and the periodic maintenance loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/service"
)

const (
	LoopCloseExpiredSessions   = "close_expired_sessions"
	LoopProcessCompletedExams  = "process_completed_exams"
	LoopRetryFailedSubmissions = "retry_failed_submissions"
)

// Config controls worker parallelism and loop cadence.
type Config struct {
	Workers                int
	PollInterval           time.Duration
	GradingTimeout         time.Duration
	CloseExpiredInterval   time.Duration
	CompletedExamsInterval time.Duration
	RetryFailedInterval    time.Duration
}

// DefaultConfig mirrors the production cadence.
func DefaultConfig() Config {
	return Config{
		Workers:                4,
		PollInterval:           5 * time.Second,
		GradingTimeout:         120 * time.Second,
		CloseExpiredInterval:   300 * time.Second,
		CompletedExamsInterval: 300 * time.Second,
		RetryFailedInterval:    3600 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GradingTimeout <= 0 {
		c.GradingTimeout = d.GradingTimeout
	}
	if c.CloseExpiredInterval <= 0 {
		c.CloseExpiredInterval = d.CloseExpiredInterval
	}
	if c.CompletedExamsInterval <= 0 {
		c.CompletedExamsInterval = d.CompletedExamsInterval
	}
	if c.RetryFailedInterval <= 0 {
		c.RetryFailedInterval = d.RetryFailedInterval
	}
	return c
}

// Dependencies are the services driven by the scheduler.
type Dependencies struct {
	Grading     service.GradingService
	Maintenance service.MaintenanceService
	Logger      zerolog.Logger
}

// Run starts the workers and loops and blocks until ctx is cancelled and every one of
// them has returned. A submission already being graded is finished before its worker
// exits.
func Run(ctx context.Context, deps Dependencies, cfg Config) error {
	if deps.Grading == nil || deps.Maintenance == nil {
		return errors.New("scheduler requires grading and maintenance services")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger.With().Str("component", "scheduler").Logger()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			id:      i + 1,
			grading: deps.Grading,
			cfg:     cfg,
			logger:  logger.With().Int("worker", i+1).Logger(),
		}
		g.Go(func() error {
			w.run(ctx)
			return nil
		})
	}

	loops := []loop{
		{name: LoopCloseExpiredSessions, interval: cfg.CloseExpiredInterval, run: func(ctx context.Context) (map[string]int64, error) {
			closed, err := deps.Maintenance.CloseExpiredSessions(ctx)
			return map[string]int64{"closed": int64(closed)}, err
		}},
		{name: LoopProcessCompletedExams, interval: cfg.CompletedExamsInterval, run: func(ctx context.Context) (map[string]int64, error) {
			completed, err := deps.Maintenance.ProcessCompletedExams(ctx)
			return map[string]int64{"completed": int64(completed)}, err
		}},
		{name: LoopRetryFailedSubmissions, interval: cfg.RetryFailedInterval, run: func(ctx context.Context) (map[string]int64, error) {
			result, err := deps.Maintenance.RetryFailedSubmissions(ctx)
			return map[string]int64{"requeued": result.Requeued, "exhausted": result.Exhausted}, err
		}},
	}
	for _, l := range loops {
		l.logger = logger.With().Str("loop", l.name).Logger()
		g.Go(func() error {
			l.start(ctx)
			return nil
		})
	}

	logger.Info().
		Int("workers", cfg.Workers).
		Dur("poll_interval", cfg.PollInterval).
		Msg("scheduler started")

	err := g.Wait()
	logger.Info().Msg("scheduler stopped")
	return err
}

type worker struct {
	id      int
	grading service.GradingService
	cfg     Config
	logger  zerolog.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := w.processOne(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("grading worker iteration failed")
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// processOne grades at most one submission and reports whether one was claimed.
func (w *worker) processOne(ctx context.Context) (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panic: %v", w.id, r)
		}
	}()

	submission, err := w.grading.ClaimNextForProcessing(ctx)
	if err != nil {
		return false, err
	}
	if submission == nil {
		return false, nil
	}

	observability.WorkersBusy().Inc()
	defer observability.WorkersBusy().Dec()

	// shutdown must not abandon a claimed row mid-flight; the grading timeout still bounds it
	gradeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.GradingTimeout+10*time.Second)
	defer cancel()

	logger := w.logger.With().Uint("submission_id", submission.ID).Logger()
	logger.Debug().Msg("submission claimed")
	if err := w.grading.GradeSubmission(gradeCtx, submission.CourseID, submission.ID); err != nil {
		var transient *service.TransientGradingError
		if errors.As(err, &transient) {
			logger.Warn().Err(err).Msg("grading failed, left for retry")
			return true, nil
		}
		return true, err
	}
	return true, nil
}

type loop struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (map[string]int64, error)
	logger   zerolog.Logger
}

func (l loop) start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.MaintenanceRuns().WithLabelValues(l.name, "panic").Inc()
			l.logger.Error().Interface("panic", r).Msg("maintenance loop panicked")
		}
	}()

	started := time.Now()
	l.logger.Debug().Msg("maintenance loop started")
	counts, err := l.run(ctx)
	for kind, n := range counts {
		if n > 0 {
			observability.MaintenanceAffected().WithLabelValues(l.name, kind).Add(float64(n))
		}
	}
	if err != nil {
		observability.MaintenanceRuns().WithLabelValues(l.name, "error").Inc()
		l.logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("maintenance loop failed")
		return
	}
	observability.MaintenanceRuns().WithLabelValues(l.name, "ok").Inc()
	l.logger.Debug().Dur("elapsed", time.Since(started)).Msg("maintenance loop finished")
}
