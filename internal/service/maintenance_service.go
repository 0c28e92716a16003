package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/repository"
)

const (
	expiredSessionBatch = 100
	completedWorkBatch  = 50
)

// MaintenanceService holds the periodic housekeeping jobs of the grading pipeline.
type MaintenanceService interface {
	CloseExpiredSessions(ctx context.Context) (int, error)
	ProcessCompletedExams(ctx context.Context) (int, error)
	RetryFailedSubmissions(ctx context.Context) (repository.RequeueResult, error)
}

type maintenanceService struct {
	sessions    repository.ExamSessionRepository
	works       repository.WorkRepository
	submissions repository.SubmissionRepository
	finalize    FinalizeService
	policy      repository.RetryPolicy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewMaintenanceService constructs the maintenance jobs.
func NewMaintenanceService(repos repository.Repositories, finalize FinalizeService, policy repository.RetryPolicy, logger zerolog.Logger) MaintenanceService {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 3
	}
	if policy.StuckAfter <= 0 {
		policy.StuckAfter = 15 * time.Minute
	}
	if policy.RetryAfter <= 0 {
		policy.RetryAfter = 10 * time.Minute
	}
	return &maintenanceService{
		sessions:    repos.Sessions,
		works:       repos.Works,
		submissions: repos.Submissions,
		finalize:    finalize,
		policy:      policy,
		logger:      logger.With().Str("component", "maintenance_service").Logger(),
		now:         time.Now,
	}
}

// CloseExpiredSessions auto-finalizes active sessions whose time ran out without a
// submission. One failing session does not stop the rest of the batch.
func (s *maintenanceService) CloseExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := s.sessions.ListExpiredWithoutSubmission(ctx, s.now().UTC(), expiredSessionBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	closed := 0
	var errs []error
	for _, session := range sessions {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.finalize.Finalize(ctx, FinalizeRequest{
			SessionID:   session.ID,
			Mode:        FinalizeModeAutoDeadline,
			SubmittedAt: session.ExpiresAt,
		})
		if err != nil {
			s.logger.Error().Err(err).Uint("session_id", session.ID).Msg("failed to close expired session")
			errs = append(errs, fmt.Errorf("session %d: %w", session.ID, err))
			continue
		}
		closed++
	}

	if closed > 0 {
		s.logger.Info().Int("closed", closed).Msg("expired sessions closed")
	}
	return closed, errors.Join(errs...)
}

// ProcessCompletedExams writes the summary report of every exam window that has ended.
func (s *maintenanceService) ProcessCompletedExams(ctx context.Context) (int, error) {
	now := s.now().UTC()
	works, err := s.works.ListEndedNotCompleted(ctx, now, completedWorkBatch)
	if err != nil {
		return 0, fmt.Errorf("list ended works: %w", err)
	}

	completed := 0
	var errs []error
	for _, work := range works {
		report, err := s.works.BuildReport(ctx, work.ID)
		if err != nil {
			s.logger.Error().Err(err).Uint("work_id", work.ID).Msg("failed to build exam report")
			errs = append(errs, fmt.Errorf("work %d: %w", work.ID, err))
			continue
		}

		marked, err := s.works.MarkCompleted(ctx, work.ID, report, now)
		if err != nil {
			s.logger.Error().Err(err).Uint("work_id", work.ID).Msg("failed to complete exam")
			errs = append(errs, fmt.Errorf("work %d: %w", work.ID, err))
			continue
		}
		if !marked {
			continue
		}

		completed++
		s.logger.Info().
			Uint("work_id", work.ID).
			Int64("sessions", report.Sessions).
			Int64("submissions", report.Submissions).
			Int64("graded", report.Graded).
			Msg("exam completed")
	}
	return completed, errors.Join(errs...)
}

// RetryFailedSubmissions requeues stuck or failed submissions within the retry bound.
func (s *maintenanceService) RetryFailedSubmissions(ctx context.Context) (repository.RequeueResult, error) {
	result, err := s.submissions.RequeueFailed(ctx, s.policy, s.now().UTC())
	if err != nil {
		return result, fmt.Errorf("requeue failed submissions: %w", err)
	}
	if result.Requeued > 0 || result.Exhausted > 0 {
		s.logger.Info().
			Int64("requeued", result.Requeued).
			Int64("exhausted", result.Exhausted).
			Int("max_retries", s.policy.MaxRetries).
			Msg("failed submissions processed")
	}
	return result, nil
}
