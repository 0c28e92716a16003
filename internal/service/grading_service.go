package service

import (
	"context"
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
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

const (
	defaultGradingTimeout = 120 * time.Second
	flagReasonDuplicate   = "duplicate_content"
)

// GradingConfig tunes a grading attempt.
type GradingConfig struct {
	Timeout time.Duration
}

// GradingService drives claimed submissions through the AI grader.
type GradingService interface {
	ClaimNextForProcessing(ctx context.Context) (*models.Submission, error)
	GradeSubmission(ctx context.Context, courseID, submissionID uint) error
}

type gradingService struct {
	submissions repository.SubmissionRepository
	sessions    repository.ExamSessionRepository
	grader      ai.Grader
	locator     ImageLocator
	events      SubmissionEventPublisher
	cfg         GradingConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// NewGradingService constructs the grading service. events may be nil.
func NewGradingService(repos repository.Repositories, grader ai.Grader, locator ImageLocator, events SubmissionEventPublisher, cfg GradingConfig, logger zerolog.Logger) GradingService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGradingTimeout
	}
	if locator == nil {
		locator = LocalImageLocator{}
	}
	if events == nil {
		events = noopEventPublisher{}
	}
	return &gradingService{
		submissions: repos.Submissions,
		sessions:    repos.Sessions,
		grader:      grader,
		locator:     locator,
		events:      events,
		cfg:         cfg,
		logger:      logger.With().Str("component", "grading_service").Logger(),
		now:         time.Now,
	}
}

func (s *gradingService) ClaimNextForProcessing(ctx context.Context) (*models.Submission, error) {
	submission, err := s.submissions.ClaimNextForProcessing(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim next submission: %w", err)
	}
	if submission != nil {
		observability.SubmissionsClaimed().Inc()
	}
	return submission, nil
}

// GradeSubmission grades a submission this process has claimed. Grader failures are
// persisted on the row and returned as TransientGradingError.
func (s *gradingService) GradeSubmission(ctx context.Context, courseID, submissionID uint) error {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/grading")
	ctx, span := tracer.Start(ctx, "submission.grade")
	span.SetAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.course_id", int64(courseID)),
	)
	defer span.End()

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission_not_found")
			return ErrSubmissionNotFound
		}
		span.SetStatus(codes.Error, "submission_lookup_failed")
		return err
	}
	if submission.CourseID != courseID {
		span.SetStatus(codes.Error, "course_mismatch")
		return ErrCourseMismatch
	}
	if submission.Status != models.SubmissionStatusProcessing || submission.ClaimToken == nil {
		span.SetStatus(codes.Error, "not_claimed")
		return ErrSubmissionNotClaimed
	}

	claim := repository.Claim{SubmissionID: submission.ID, Token: *submission.ClaimToken}
	logger := s.logger.With().Uint("submission_id", submission.ID).Uint("session_id", submission.SessionID).Logger()

	session, err := s.sessions.GetByID(ctx, submission.SessionID)
	if err != nil {
		cause := &ConsistencyError{Entity: "session", ID: submission.SessionID, Err: err}
		return s.fail(ctx, logger, claim, submission, cause)
	}

	input, err := s.buildInput(ctx, submission, session)
	if err != nil {
		if !IsValidationError(err) {
			err = &TransientGradingError{SubmissionID: submission.ID, Err: err}
		}
		return s.fail(ctx, logger, claim, submission, err)
	}

	startedAt := s.now()
	gradeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	result, err := s.grader.Grade(gradeCtx, input)
	timedOut := errors.Is(gradeCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := s.now().Sub(startedAt)
	observability.GradingDuration().Observe(elapsed.Seconds())

	if err != nil {
		if timedOut {
			err = fmt.Errorf("grading timed out after %s: %w", s.cfg.Timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "grader_failed")
		return s.fail(ctx, logger, claim, submission, &TransientGradingError{SubmissionID: submission.ID, Err: err})
	}

	settings := session.Work.ProcessingSettings()
	var reasons []string
	if settings.LLMPrecheckEnabled {
		reasons = append(reasons, result.Anomalies...)
	}

	duplicate, err := s.submissions.HasDuplicateContent(ctx, submission.WorkID, submission.ContentHash, submission.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("duplicate content check failed")
	} else if duplicate {
		reasons = append(reasons, flagReasonDuplicate)
	}

	outcome := repository.GradingOutcome{
		Score:          result.Score,
		Analysis:       result.Analysis,
		Comments:       result.Comments,
		PrecheckStatus: models.LLMPrecheckStatusSkipped,
		CompletedAt:    s.now().UTC(),
		Duration:       elapsed,
	}
	if settings.LLMPrecheckEnabled {
		outcome.PrecheckStatus = models.LLMPrecheckStatusCompleted
	}
	for _, score := range result.TaskScores {
		outcome.TaskScores = append(outcome.TaskScores, repository.TaskScoreOutcome{
			TaskTypeID: score.TaskTypeID,
			Score:      score.Score,
			Comment:    score.Comment,
		})
	}

	label := "preliminary"
	if len(reasons) > 0 {
		label = "flagged"
		err = s.submissions.Flag(ctx, claim, outcome, reasons)
	} else {
		err = s.submissions.MarkPreliminary(ctx, claim, outcome)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist_failed")
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Warn().Msg("claim lost before grading result was stored")
		}
		return fmt.Errorf("store grading result: %w", err)
	}

	observability.GradingOutcomes().WithLabelValues(label).Inc()
	span.SetAttributes(attribute.String("grading.outcome", label), attribute.Float64("grading.score", result.Score))
	logger.Info().
		Float64("score", result.Score).
		Float64("max_score", submission.MaxScore).
		Str("outcome", label).
		Strs("flag_reasons", reasons).
		Dur("duration", elapsed).
		Msg("submission graded")

	s.publish(ctx, logger, submission.ID)
	return nil
}

func (s *gradingService) buildInput(ctx context.Context, submission models.Submission, session models.ExamSession) (ai.GradingInput, error) {
	work := session.Work
	input := ai.GradingInput{
		SubmissionID: submission.ID,
		WorkTitle:    work.Title,
		MaxScore:     submission.MaxScore,
		Precheck:     work.LLMPrecheckEnabled,
	}
	if input.MaxScore <= 0 {
		input.MaxScore = work.MaxScore()
	}
	if session.Variant != nil {
		input.VariantTitle = session.Variant.Title
		input.VariantContent = session.Variant.Content
	}
	for _, task := range work.TaskTypes {
		input.Tasks = append(input.Tasks, ai.TaskInput{TaskTypeID: task.ID, Title: task.Title, MaxScore: task.MaxScore})
	}

	if len(submission.Images) == 0 {
		return ai.GradingInput{}, &ValidationError{Err: errors.New("submission has no answer images")}
	}
	for _, image := range submission.Images {
		location, err := s.locator.Locate(ctx, image.StoragePath)
		if err != nil {
			return ai.GradingInput{}, fmt.Errorf("locate image %d: %w", image.ID, err)
		}
		input.Images = append(input.Images, ai.ImageInput{Location: location, MimeType: image.MimeType})
	}
	return input, nil
}

// fail records the failure on the claimed row. Only transient causes are left for the
// retry loop; validation and consistency failures are terminal.
func (s *gradingService) fail(ctx context.Context, logger zerolog.Logger, claim repository.Claim, submission models.Submission, cause error) error {
	var transient *TransientGradingError
	retryable := errors.As(cause, &transient)
	observability.GradingOutcomes().WithLabelValues("failed").Inc()
	if err := s.submissions.RecordFailure(ctx, claim, cause.Error(), retryable, s.now().UTC()); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("failed to record grading failure")
		return errors.Join(cause, err)
	}
	logger.Warn().Err(cause).Bool("retryable", retryable).Int("retry_count", submission.AIRetryCount).Msg("grading failed")
	s.publish(ctx, logger, submission.ID)
	return cause
}

func (s *gradingService) publish(ctx context.Context, logger zerolog.Logger, submissionID uint) {
	updated, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		logger.Debug().Err(err).Msg("skipping submission event")
		return
	}
	s.events.Publish(ctx, updated)
}
