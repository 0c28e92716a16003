package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
)

// ReviewService exposes the teacher decisions on AI graded submissions.
type ReviewService interface {
	Get(ctx context.Context, submissionID uint) (dto.SubmissionResponse, error)
	Approve(ctx context.Context, submissionID uint, payload dto.ApproveSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error)
	OverrideScore(ctx context.Context, submissionID uint, payload dto.OverrideScoreRequest, reviewerID uint) (dto.SubmissionResponse, error)
	Reject(ctx context.Context, submissionID uint, payload dto.RejectSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error)
	Flag(ctx context.Context, submissionID uint, payload dto.FlagSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error)
	CompleteOCRReview(ctx context.Context, submissionID, studentID uint) (dto.SubmissionResponse, error)
}

type reviewService struct {
	submissions repository.SubmissionRepository
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	events      SubmissionEventPublisher
	logger      zerolog.Logger
	now         func() time.Time
}

// NewReviewService constructs the review service. events may be nil.
func NewReviewService(repo repository.SubmissionRepository, validate *validator.Validate, events SubmissionEventPublisher, logger zerolog.Logger) ReviewService {
	if events == nil {
		events = noopEventPublisher{}
	}
	return &reviewService{
		submissions: repo,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		events:      events,
		logger:      logger.With().Str("component", "review_service").Logger(),
		now:         time.Now,
	}
}

func (s *reviewService) Get(ctx context.Context, submissionID uint) (dto.SubmissionResponse, error) {
	submission, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	return dto.NewSubmissionResponse(submission), nil
}

func (s *reviewService) Approve(ctx context.Context, submissionID uint, payload dto.ApproveSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error) {
	return s.decide(ctx, "approve", submissionID, payload, payload.FinalScore, payload.Comments, reviewerID, s.submissions.Approve)
}

func (s *reviewService) OverrideScore(ctx context.Context, submissionID uint, payload dto.OverrideScoreRequest, reviewerID uint) (dto.SubmissionResponse, error) {
	return s.decide(ctx, "override", submissionID, payload, payload.FinalScore, payload.Comments, reviewerID, s.submissions.OverrideScore)
}

func (s *reviewService) Reject(ctx context.Context, submissionID uint, payload dto.RejectSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error) {
	return s.decide(ctx, "reject", submissionID, payload, nil, payload.Comments, reviewerID, s.submissions.Reject)
}

// Flag moves a preliminary submission to the flagged queue without deciding it.
func (s *reviewService) Flag(ctx context.Context, submissionID uint, payload dto.FlagSubmissionRequest, reviewerID uint) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, &ValidationError{Err: err}
	}

	reasons := make([]string, 0, len(payload.Reasons))
	for _, reason := range payload.Reasons {
		if clean := strings.TrimSpace(s.sanitizer.Sanitize(reason)); clean != "" {
			reasons = append(reasons, clean)
		}
	}
	if len(reasons) == 0 {
		return dto.SubmissionResponse{}, &ValidationError{Err: errors.New("at least one flag reason is required")}
	}

	if _, err := s.load(ctx, submissionID); err != nil {
		return dto.SubmissionResponse{}, err
	}
	if err := s.submissions.FlagReviewable(ctx, submissionID, reasons); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return dto.SubmissionResponse{}, ErrSubmissionNotReviewable
		}
		return dto.SubmissionResponse{}, err
	}

	updated, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	s.logger.Info().
		Uint("submission_id", submissionID).
		Uint("reviewer_id", reviewerID).
		Strs("reasons", reasons).
		Msg("submission flagged for review")
	s.events.Publish(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *reviewService) decide(
	ctx context.Context,
	action string,
	submissionID uint,
	payload interface{},
	finalScore *float64,
	comments string,
	reviewerID uint,
	apply func(context.Context, repository.ReviewDecision) error,
) (dto.SubmissionResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-exam-api/internal/service/review")
	ctx, span := tracer.Start(ctx, "submission.review")
	span.SetAttributes(
		attribute.String("review.action", action),
		attribute.Int64("review.submission_id", int64(submissionID)),
		attribute.Int64("review.reviewer_id", int64(reviewerID)),
	)
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.SubmissionResponse{}, &ValidationError{Err: err}
	}

	submission, err := s.load(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission_lookup_failed")
		return dto.SubmissionResponse{}, err
	}
	if !submission.Status.AwaitsReview() {
		span.SetStatus(codes.Error, "not_reviewable")
		return dto.SubmissionResponse{}, ErrSubmissionNotReviewable
	}
	if finalScore != nil && *finalScore > submission.MaxScore+1e-9 {
		span.SetStatus(codes.Error, "score_exceeds_max")
		return dto.SubmissionResponse{}, ErrScoreExceedsMax
	}

	decision := repository.ReviewDecision{
		SubmissionID: submission.ID,
		ReviewerID:   reviewerID,
		FinalScore:   finalScore,
		Comments:     strings.TrimSpace(s.sanitizer.Sanitize(comments)),
		ReviewedAt:   s.now().UTC(),
	}
	if err := apply(ctx, decision); err != nil {
		span.RecordError(err)
		if errors.Is(err, repository.ErrInvalidTransition) {
			span.SetStatus(codes.Error, "not_reviewable")
			return dto.SubmissionResponse{}, ErrSubmissionNotReviewable
		}
		span.SetStatus(codes.Error, "review_failed")
		return dto.SubmissionResponse{}, err
	}

	updated, err := s.load(ctx, submission.ID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", updated.ID).
		Uint("reviewer_id", reviewerID).
		Str("action", action).
		Str("status", string(updated.Status)).
		Msg("submission reviewed")
	s.events.Publish(ctx, updated)

	return dto.NewSubmissionResponse(updated), nil
}

// CompleteOCRReview marks the recognised text as confirmed so grading can start.
// A non-zero studentID must own the submission; reviewers pass zero.
func (s *reviewService) CompleteOCRReview(ctx context.Context, submissionID, studentID uint) (dto.SubmissionResponse, error) {
	submission, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if studentID != 0 && submission.StudentID != studentID {
		return dto.SubmissionResponse{}, ErrSubmissionNotFound
	}

	if err := s.submissions.CompleteOCR(ctx, submissionID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return dto.SubmissionResponse{}, ErrOCRNotPending
		}
		return dto.SubmissionResponse{}, err
	}

	updated, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	s.logger.Info().Uint("submission_id", submissionID).Bool("by_student", studentID != 0).Msg("ocr review confirmed")
	return dto.NewSubmissionResponse(updated), nil
}

func (s *reviewService) load(ctx context.Context, submissionID uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}
