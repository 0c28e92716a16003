package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

const (
	maxClaimAttempts      = 3
	stuckProcessingReason = "processing timed out"
)

// GradingOutcome is the AI result persisted on a claimed submission.
type GradingOutcome struct {
	Score          float64
	Analysis       map[string]interface{}
	Comments       string
	TaskScores     []TaskScoreOutcome
	PrecheckStatus models.LLMPrecheckStatus
	CompletedAt    time.Time
	Duration       time.Duration
}

// TaskScoreOutcome is the AI score of one task type.
type TaskScoreOutcome struct {
	TaskTypeID uint
	Score      float64
	Comment    string
}

// Claim identifies a submission held in processing by exactly one worker.
type Claim struct {
	SubmissionID uint
	Token        string
}

// ReviewDecision captures a teacher action on a graded submission.
type ReviewDecision struct {
	SubmissionID uint
	ReviewerID   uint
	FinalScore   *float64
	Comments     string
	ReviewedAt   time.Time
}

// RetryPolicy bounds the requeueing of failed or stuck submissions.
type RetryPolicy struct {
	MaxRetries int
	StuckAfter time.Duration
	RetryAfter time.Duration
}

// RequeueResult reports how many submissions were requeued or given up on.
type RequeueResult struct {
	Requeued  int64
	Exhausted int64
}

// SubmissionRepository exposes the submission state machine on top of the database.
type SubmissionRepository interface {
	CreateIfAbsent(ctx context.Context, submission *models.Submission) (bool, error)
	ListSessionImages(ctx context.Context, sessionID uint) ([]models.SubmissionImage, error)
	AttachImages(ctx context.Context, sessionID, submissionID uint) (int64, error)
	CreateScores(ctx context.Context, scores []models.SubmissionScore) error
	ConfigureInitialStage(ctx context.Context, id uint, settings models.WorkProcessingSettings) error
	CompleteOCR(ctx context.Context, id uint, at time.Time) error
	ClaimNextForProcessing(ctx context.Context, now time.Time) (*models.Submission, error)
	MarkPreliminary(ctx context.Context, claim Claim, outcome GradingOutcome) error
	Flag(ctx context.Context, claim Claim, outcome GradingOutcome, reasons []string) error
	FlagReviewable(ctx context.Context, id uint, reasons []string) error
	RecordFailure(ctx context.Context, claim Claim, message string, retryable bool, at time.Time) error
	Approve(ctx context.Context, decision ReviewDecision) error
	OverrideScore(ctx context.Context, decision ReviewDecision) error
	Reject(ctx context.Context, decision ReviewDecision) error
	RequeueFailed(ctx context.Context, policy RetryPolicy, now time.Time) (RequeueResult, error)
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	GetBySessionID(ctx context.Context, sessionID uint) (models.Submission, error)
	HasDuplicateContent(ctx context.Context, workID uint, hash string, excludeID uint) (bool, error)
}

// NewSubmissionRepository constructs a submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

type submissionRepository struct {
	db *gorm.DB
}

func (r *submissionRepository) CreateIfAbsent(ctx context.Context, submission *models.Submission) (bool, error) {
	result := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(submission)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	existing, err := r.GetBySessionID(ctx, submission.SessionID)
	if err != nil {
		return false, err
	}
	*submission = existing
	return false, nil
}

func (r *submissionRepository) ListSessionImages(ctx context.Context, sessionID uint) ([]models.SubmissionImage, error) {
	var images []models.SubmissionImage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("position ASC, id ASC").
		Find(&images).Error
	return images, err
}

func (r *submissionRepository) AttachImages(ctx context.Context, sessionID, submissionID uint) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionImage{}).
		Where("session_id = ? AND submission_id IS NULL", sessionID).
		Update("submission_id", submissionID)
	return result.RowsAffected, result.Error
}

func (r *submissionRepository) CreateScores(ctx context.Context, scores []models.SubmissionScore) error {
	if len(scores) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}, {Name: "task_type_id"}},
			DoNothing: true,
		}).
		Create(&scores).Error
}

func (r *submissionRepository) ConfigureInitialStage(ctx context.Context, id uint, settings models.WorkProcessingSettings) error {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusUploaded).
		Updates(map[string]interface{}{
			"ocr_status":          settings.InitialOCRStatus(),
			"llm_precheck_status": settings.InitialPrecheckStatus(),
		})
	return expectOneRow(result)
}

func (r *submissionRepository) CompleteOCR(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ? AND ocr_status = ?", id, models.SubmissionStatusUploaded, models.OCRStatusPending).
		Updates(map[string]interface{}{
			"ocr_status":       models.OCRStatusCompleted,
			"ocr_completed_at": at,
			"updated_at":       at,
		})
	return expectOneRow(result)
}

// ClaimNextForProcessing moves the oldest gradable submission to processing. The
// candidate is picked by a sub-query inside the same UPDATE and the status is
// compared again in its WHERE clause, so two callers can never both affect the row.
func (r *submissionRepository) ClaimNextForProcessing(ctx context.Context, now time.Time) (*models.Submission, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		token := uuid.NewString()

		result := r.db.WithContext(ctx).
			Model(&models.Submission{}).
			Where("id = (?) AND status = ?", r.eligibleForGrading(ctx).Select("id").Order("created_at ASC, id ASC").Limit(1), models.SubmissionStatusUploaded).
			Updates(map[string]interface{}{
				"status":        models.SubmissionStatusProcessing,
				"ai_started_at": now,
				"claim_token":   token,
				"updated_at":    now,
			})
		if result.Error != nil {
			return nil, result.Error
		}

		if result.RowsAffected == 1 {
			var submission models.Submission
			if err := r.db.WithContext(ctx).Where("claim_token = ?", token).First(&submission).Error; err != nil {
				return nil, err
			}
			return &submission, nil
		}

		// lost the race for the head of the queue; retry only while work remains
		var remaining int64
		if err := r.eligibleForGrading(ctx).Count(&remaining).Error; err != nil {
			return nil, err
		}
		if remaining == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

func (r *submissionRepository) eligibleForGrading(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("status = ? AND ocr_status IN ?", models.SubmissionStatusUploaded, []models.OCRStatus{models.OCRStatusNotRequired, models.OCRStatusCompleted})
}

func (r *submissionRepository) MarkPreliminary(ctx context.Context, claim Claim, outcome GradingOutcome) error {
	return r.completeClaim(ctx, claim, outcome, models.SubmissionStatusPreliminary, nil)
}

func (r *submissionRepository) Flag(ctx context.Context, claim Claim, outcome GradingOutcome, reasons []string) error {
	return r.completeClaim(ctx, claim, outcome, models.SubmissionStatusFlagged, reasons)
}

func (r *submissionRepository) completeClaim(ctx context.Context, claim Claim, outcome GradingOutcome, status models.SubmissionStatus, reasons []string) error {
	precheck := outcome.PrecheckStatus
	if precheck == "" {
		precheck = models.LLMPrecheckStatusSkipped
	}

	updates := map[string]interface{}{
		"status":              status,
		"ai_score":            outcome.Score,
		"ai_analysis":         datatypes.JSONMap(outcome.Analysis),
		"ai_comments":         outcome.Comments,
		"ai_error":            nil,
		"ai_completed_at":     outcome.CompletedAt,
		"ai_duration_ms":      outcome.Duration.Milliseconds(),
		"llm_precheck_status": precheck,
		"claim_token":         nil,
		"updated_at":          outcome.CompletedAt,
	}
	if len(reasons) > 0 {
		updates["is_flagged"] = true
		updates["flag_reasons"] = strings.Join(reasons, ",")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ? AND claim_token = ?", claim.SubmissionID, models.SubmissionStatusProcessing, claim.Token).
			Updates(updates)
		if err := expectOneRow(result); err != nil {
			return err
		}

		for _, score := range outcome.TaskScores {
			err := tx.Model(&models.SubmissionScore{}).
				Where("submission_id = ? AND task_type_id = ?", claim.SubmissionID, score.TaskTypeID).
				Updates(map[string]interface{}{
					"ai_score":   score.Score,
					"ai_comment": score.Comment,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *submissionRepository) FlagReviewable(ctx context.Context, id uint, reasons []string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusPreliminary).
		Updates(map[string]interface{}{
			"status":       models.SubmissionStatusFlagged,
			"is_flagged":   true,
			"flag_reasons": strings.Join(reasons, ","),
		})
	return expectOneRow(result)
}

// RecordFailure rejects a claimed submission with the pipeline error. A failure that is
// not retryable is marked exhausted so RequeueFailed never picks it up.
func (r *submissionRepository) RecordFailure(ctx context.Context, claim Claim, message string, retryable bool, at time.Time) error {
	updates := map[string]interface{}{
		"status":          models.SubmissionStatusRejected,
		"ai_error":        message,
		"ai_completed_at": at,
		"claim_token":     nil,
		"updated_at":      at,
	}
	if !retryable {
		updates["ai_retries_exhausted"] = true
	}

	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status = ? AND claim_token = ?", claim.SubmissionID, models.SubmissionStatusProcessing, claim.Token).
		Updates(updates)
	return expectOneRow(result)
}

func (r *submissionRepository) Approve(ctx context.Context, decision ReviewDecision) error {
	var finalScore interface{} = gorm.Expr("ai_score")
	if decision.FinalScore != nil {
		finalScore = *decision.FinalScore
	}
	return r.review(ctx, decision, models.SubmissionStatusApproved, finalScore)
}

func (r *submissionRepository) OverrideScore(ctx context.Context, decision ReviewDecision) error {
	if decision.FinalScore == nil {
		return errors.New("override requires a final score")
	}
	return r.review(ctx, decision, models.SubmissionStatusApproved, *decision.FinalScore)
}

func (r *submissionRepository) Reject(ctx context.Context, decision ReviewDecision) error {
	return r.review(ctx, decision, models.SubmissionStatusRejected, nil)
}

func (r *submissionRepository) review(ctx context.Context, decision ReviewDecision, status models.SubmissionStatus, finalScore interface{}) error {
	updates := map[string]interface{}{
		"status":           status,
		"reviewed_by":      decision.ReviewerID,
		"reviewed_at":      decision.ReviewedAt,
		"teacher_comments": decision.Comments,
		"updated_at":       decision.ReviewedAt,
	}
	if finalScore != nil {
		updates["final_score"] = finalScore
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Submission{}).
			Where("id = ? AND status IN ?", decision.SubmissionID, []models.SubmissionStatus{models.SubmissionStatusPreliminary, models.SubmissionStatusFlagged}).
			Updates(updates)
		if err := expectOneRow(result); err != nil {
			return err
		}

		if status != models.SubmissionStatusApproved {
			return nil
		}

		if err := tx.Model(&models.SubmissionScore{}).
			Where("submission_id = ? AND final_score IS NULL", decision.SubmissionID).
			Update("final_score", gorm.Expr("ai_score")).Error; err != nil {
			return err
		}

		return tx.Model(&models.ExamSession{}).
			Where("id = (?)", tx.Model(&models.Submission{}).Select("session_id").Where("id = ?", decision.SubmissionID)).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusGraded,
				"updated_at": decision.ReviewedAt,
			}).Error
	})
}

// RequeueFailed recovers submissions stuck in processing past StuckAfter and pipeline
// failures older than RetryAfter. Rows under the retry bound go back to uploaded,
// the rest are marked as permanently rejected.
func (r *submissionRepository) RequeueFailed(ctx context.Context, policy RetryPolicy, now time.Time) (RequeueResult, error) {
	stuckBefore := now.Add(-policy.StuckAfter)
	retryBefore := now.Add(-policy.RetryAfter)

	recoverable := func() *gorm.DB {
		return r.db.WithContext(ctx).
			Model(&models.Submission{}).
			Where("((status = ? AND ai_started_at < ?) OR (status = ? AND ai_error IS NOT NULL AND reviewed_by IS NULL AND ai_retries_exhausted = ? AND updated_at < ?))",
				models.SubmissionStatusProcessing, stuckBefore,
				models.SubmissionStatusRejected, false, retryBefore)
	}

	var result RequeueResult

	requeued := recoverable().
		Where("ai_retry_count < ?", policy.MaxRetries).
		Updates(map[string]interface{}{
			"status":         models.SubmissionStatusUploaded,
			"ai_retry_count": gorm.Expr("ai_retry_count + 1"),
			"ai_started_at":  nil,
			"claim_token":    nil,
			"updated_at":     now,
		})
	if requeued.Error != nil {
		return result, requeued.Error
	}
	result.Requeued = requeued.RowsAffected

	exhausted := recoverable().
		Where("ai_retry_count >= ?", policy.MaxRetries).
		Updates(map[string]interface{}{
			"status":               models.SubmissionStatusRejected,
			"ai_retries_exhausted": true,
			"ai_error":             gorm.Expr("COALESCE(ai_error, ?)", stuckProcessingReason),
			"claim_token":          nil,
			"updated_at":           now,
		})
	if exhausted.Error != nil {
		return result, exhausted.Error
	}
	result.Exhausted = exhausted.RowsAffected

	return result, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	err := r.withDetails(ctx).First(&submission, id).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) GetBySessionID(ctx context.Context, sessionID uint) (models.Submission, error) {
	var submission models.Submission
	err := r.withDetails(ctx).Where("session_id = ?", sessionID).First(&submission).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) withDetails(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Images", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Preload("Scores", func(db *gorm.DB) *gorm.DB {
			return db.Order("task_type_id ASC")
		})
}

func (r *submissionRepository) HasDuplicateContent(ctx context.Context, workID uint, hash string, excludeID uint) (bool, error) {
	if hash == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("work_id = ? AND content_hash = ? AND id <> ?", workID, hash, excludeID).
		Count(&count).Error
	return count > 0, err
}

func expectOneRow(result *gorm.DB) error {
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
