package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/timing"
)

// FinalizeMode tells how a session ended.
type FinalizeMode string

const (
	// FinalizeModeManualSubmit is a student pressing submit.
	FinalizeModeManualSubmit FinalizeMode = "manual_submit"
	// FinalizeModeAutoDeadline is the scheduler closing an expired session.
	FinalizeModeAutoDeadline FinalizeMode = "auto_deadline"
)

// IsValid reports whether the mode is known.
func (m FinalizeMode) IsValid() bool {
	return m == FinalizeModeManualSubmit || m == FinalizeModeAutoDeadline
}

// NextStep is the screen the student client should move to after finalizing.
type NextStep string

const (
	NextStepOCRReview NextStep = "ocr_review"
	NextStepResult    NextStep = "result"
)

// FinalizeRequest describes one attempt to close an exam session.
type FinalizeRequest struct {
	SessionID   uint
	Mode        FinalizeMode
	SubmittedAt time.Time
	// StudentID, when set, must own the session.
	StudentID uint
	// GracePeriod yields the tolerance past the hard deadline for manual submits.
	// Nil means no tolerance.
	GracePeriod func(kind models.WorkKind) time.Duration
}

// FinalizeResult is the persisted submission together with its children.
type FinalizeResult struct {
	Submission models.Submission
	Images     []models.SubmissionImage
	Scores     []models.SubmissionScore
	NextStep   NextStep
	Created    bool
}

// FinalizeService turns an exam session into exactly one submission.
type FinalizeService interface {
	Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error)
}

type finalizeService struct {
	sessions    repository.ExamSessionRepository
	submissions repository.SubmissionRepository
	works       repository.WorkRepository
	tx          repository.Transactor
	logger      zerolog.Logger
	now         func() time.Time
}

// NewFinalizeService constructs the finalize workflow.
func NewFinalizeService(repos repository.Repositories, tx repository.Transactor, logger zerolog.Logger) FinalizeService {
	return &finalizeService{
		sessions:    repos.Sessions,
		submissions: repos.Submissions,
		works:       repos.Works,
		tx:          tx,
		logger:      logger.With().Str("component", "finalize_service").Logger(),
		now:         time.Now,
	}
}

func (s *finalizeService) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/finalize")
	ctx, span := tracer.Start(ctx, "submission.finalize")
	span.SetAttributes(
		attribute.Int64("finalize.session_id", int64(req.SessionID)),
		attribute.String("finalize.mode", string(req.Mode)),
	)
	defer span.End()

	fail := func(err error, status string) (FinalizeResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return FinalizeResult{}, err
	}

	if !req.Mode.IsValid() {
		return fail(&ValidationError{Err: fmt.Errorf("%w: %q", ErrInvalidFinalizeMode, req.Mode)}, "invalid_mode")
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.now()
	}
	req.SubmittedAt = req.SubmittedAt.UTC()

	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(ErrSessionNotFound, "session_not_found")
		}
		return fail(err, "session_lookup_failed")
	}
	if req.StudentID != 0 && session.StudentID != req.StudentID {
		return fail(ErrSessionNotFound, "session_not_owned")
	}

	work := session.Work
	if session.Status == models.SessionStatusActive && req.Mode == FinalizeModeManualSubmit {
		deadline, err := timing.ComputeHardDeadline(work.Kind, session.StartedAt, session.ExpiresAt, work.EndsAt, work.Duration())
		if err != nil {
			return fail(&ValidationError{Err: err}, "invalid_timing")
		}
		var grace time.Duration
		if req.GracePeriod != nil {
			grace = req.GracePeriod(work.Kind)
		}
		if req.SubmittedAt.After(deadline.Add(grace)) {
			s.logger.Info().
				Uint("session_id", session.ID).
				Time("deadline", deadline).
				Time("submitted_at", req.SubmittedAt).
				Msg("manual submit rejected after deadline")
			return fail(ErrDeadlinePassed, "deadline_passed")
		}
	}

	maxScore := work.MaxScore()
	target := models.SessionStatusSubmitted
	if req.Mode == FinalizeModeAutoDeadline {
		target = models.SessionStatusExpired
	}

	var (
		created      bool
		transitioned bool
		settings     models.WorkProcessingSettings
	)

	err = s.tx.InTransaction(ctx, func(repos repository.Repositories) error {
		images, err := repos.Submissions.ListSessionImages(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("list session images: %w", err)
		}

		freshWork, err := repos.Works.GetByID(ctx, session.WorkID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &ConsistencyError{Entity: "work", ID: session.WorkID, Err: err}
			}
			return fmt.Errorf("load work: %w", err)
		}
		settings = freshWork.ProcessingSettings()
		if err := settings.Validate(); err != nil {
			return &ValidationError{Err: err}
		}

		// pending OCR keeps the row unclaimable until the initial stage is configured
		submission := models.Submission{
			CourseID:          freshWork.CourseID,
			WorkID:            freshWork.ID,
			SessionID:         session.ID,
			StudentID:         session.StudentID,
			Status:            models.SubmissionStatusUploaded,
			OCRStatus:         models.OCRStatusPending,
			LLMPrecheckStatus: models.LLMPrecheckStatusSkipped,
			MaxScore:          maxScore,
			ContentHash:       contentHash(images),
			SubmittedAt:       req.SubmittedAt,
		}

		created, err = repos.Submissions.CreateIfAbsent(ctx, &submission)
		if err != nil {
			return fmt.Errorf("create submission: %w", err)
		}

		if created {
			if _, err := repos.Submissions.AttachImages(ctx, session.ID, submission.ID); err != nil {
				return fmt.Errorf("attach images: %w", err)
			}

			scores := make([]models.SubmissionScore, 0, len(freshWork.TaskTypes))
			for _, task := range freshWork.TaskTypes {
				scores = append(scores, models.SubmissionScore{
					SubmissionID: submission.ID,
					TaskTypeID:   task.ID,
					MaxScore:     task.MaxScore,
				})
			}
			if err := repos.Submissions.CreateScores(ctx, scores); err != nil {
				return fmt.Errorf("create scores: %w", err)
			}
		}

		transitioned, err = repos.Sessions.TransitionStatus(ctx, session.ID, models.SessionStatusActive, target, req.SubmittedAt)
		if err != nil {
			return fmt.Errorf("transition session: %w", err)
		}

		if created {
			if err := repos.Submissions.ConfigureInitialStage(ctx, submission.ID, settings); err != nil {
				return fmt.Errorf("configure initial stage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fail(err, "finalize_failed")
	}

	if _, err := s.works.GetByID(ctx, session.WorkID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(&ConsistencyError{Entity: "work", ID: session.WorkID, Err: err}, "work_missing")
		}
		return fail(err, "work_lookup_failed")
	}

	stored, err := s.submissions.GetBySessionID(ctx, session.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(&ConsistencyError{Entity: "submission for session", ID: session.ID, Err: err}, "submission_missing")
		}
		return fail(err, "submission_lookup_failed")
	}

	next := NextStepResult
	if settings.OCREnabled {
		next = NextStepOCRReview
	}

	if created {
		observability.SubmissionsFinalized().WithLabelValues(string(req.Mode)).Inc()
	}

	span.SetAttributes(
		attribute.Int64("finalize.submission_id", int64(stored.ID)),
		attribute.Bool("finalize.created", created),
	)
	s.logger.Info().
		Uint("session_id", session.ID).
		Uint("submission_id", stored.ID).
		Str("mode", string(req.Mode)).
		Bool("created", created).
		Bool("session_transitioned", transitioned).
		Str("next_step", string(next)).
		Msg("session finalized")

	return FinalizeResult{
		Submission: stored,
		Images:     stored.Images,
		Scores:     stored.Scores,
		NextStep:   next,
		Created:    created,
	}, nil
}

// contentHash fingerprints the answer images so identical uploads can be detected.
func contentHash(images []models.SubmissionImage) string {
	if len(images) == 0 {
		return ""
	}
	h := sha256.New()
	for _, image := range images {
		part := image.ImageHash
		if part == "" {
			part = image.StoragePath
		}
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
