package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubmissionStatus is the grading lifecycle state of a submission.
type SubmissionStatus string

const (
	SubmissionStatusUploaded    SubmissionStatus = "uploaded"
	SubmissionStatusProcessing  SubmissionStatus = "processing"
	SubmissionStatusPreliminary SubmissionStatus = "preliminary"
	SubmissionStatusApproved    SubmissionStatus = "approved"
	SubmissionStatusFlagged     SubmissionStatus = "flagged"
	SubmissionStatusRejected    SubmissionStatus = "rejected"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// Rejected -> Uploaded is only legal as a bounded retry of a pipeline failure; the
// caller is responsible for enforcing the bound.
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	switch s {
	case SubmissionStatusUploaded:
		return next == SubmissionStatusProcessing
	case SubmissionStatusProcessing:
		switch next {
		case SubmissionStatusPreliminary, SubmissionStatusFlagged, SubmissionStatusRejected:
			return true
		}
		return false
	case SubmissionStatusPreliminary:
		switch next {
		case SubmissionStatusApproved, SubmissionStatusFlagged, SubmissionStatusRejected:
			return true
		}
		return false
	case SubmissionStatusFlagged:
		return next == SubmissionStatusApproved || next == SubmissionStatusRejected
	case SubmissionStatusRejected:
		return next == SubmissionStatusUploaded
	case SubmissionStatusApproved:
		return false
	default:
		return false
	}
}

// AwaitsReview reports whether a teacher can approve, override or reject the submission.
func (s SubmissionStatus) AwaitsReview() bool {
	return s == SubmissionStatusPreliminary || s == SubmissionStatusFlagged
}

// OCRStatus is the sub-state of the handwriting recognition stage.
type OCRStatus string

const (
	OCRStatusNotRequired OCRStatus = "not_required"
	OCRStatusPending     OCRStatus = "pending"
	OCRStatusCompleted   OCRStatus = "completed"
	OCRStatusFailed      OCRStatus = "failed"
)

// AllowsGrading reports whether AI grading may start given this OCR state.
func (s OCRStatus) AllowsGrading() bool {
	switch s {
	case OCRStatusNotRequired, OCRStatusCompleted:
		return true
	case OCRStatusPending, OCRStatusFailed:
		return false
	default:
		return false
	}
}

// LLMPrecheckStatus is the sub-state of the AI anomaly precheck.
type LLMPrecheckStatus string

const (
	LLMPrecheckStatusSkipped   LLMPrecheckStatus = "skipped"
	LLMPrecheckStatusPending   LLMPrecheckStatus = "pending"
	LLMPrecheckStatusCompleted LLMPrecheckStatus = "completed"
	LLMPrecheckStatusFailed    LLMPrecheckStatus = "failed"
)

// Submission is the single graded artefact produced when a session is finalized.
type Submission struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	CourseID           uint              `gorm:"not null;index" json:"course_id"`
	WorkID             uint              `gorm:"not null;index" json:"work_id"`
	SessionID          uint              `gorm:"not null;uniqueIndex" json:"session_id"`
	StudentID          uint              `gorm:"not null;index" json:"student_id"`
	Status             SubmissionStatus  `gorm:"size:16;not null;default:uploaded;index" json:"status"`
	OCRStatus          OCRStatus         `gorm:"column:ocr_status;size:16;not null;default:not_required" json:"ocr_status"`
	LLMPrecheckStatus  LLMPrecheckStatus `gorm:"column:llm_precheck_status;size:16;not null;default:skipped" json:"llm_precheck_status"`
	AIScore            *float64          `gorm:"column:ai_score" json:"ai_score"`
	FinalScore         *float64          `gorm:"column:final_score" json:"final_score"`
	MaxScore           float64           `gorm:"column:max_score;not null;default:0" json:"max_score"`
	AIAnalysis         datatypes.JSONMap `gorm:"column:ai_analysis" json:"ai_analysis"`
	AIComments         string            `gorm:"column:ai_comments;type:text" json:"ai_comments"`
	OCRError           *string           `gorm:"column:ocr_error;type:text" json:"ocr_error"`
	AIError            *string           `gorm:"column:ai_error;type:text" json:"ai_error"`
	OCRRetryCount      int               `gorm:"column:ocr_retry_count;not null;default:0" json:"ocr_retry_count"`
	AIRetryCount       int               `gorm:"column:ai_retry_count;not null;default:0" json:"ai_retry_count"`
	AIRetriesExhausted bool              `gorm:"column:ai_retries_exhausted;not null;default:false" json:"ai_retries_exhausted"`
	OCRStartedAt       *time.Time        `gorm:"column:ocr_started_at" json:"ocr_started_at"`
	OCRCompletedAt     *time.Time        `gorm:"column:ocr_completed_at" json:"ocr_completed_at"`
	AIStartedAt        *time.Time        `gorm:"column:ai_started_at;index" json:"ai_started_at"`
	AICompletedAt      *time.Time        `gorm:"column:ai_completed_at" json:"ai_completed_at"`
	AIDurationMs       int64             `gorm:"column:ai_duration_ms;not null;default:0" json:"ai_duration_ms"`
	ClaimToken         *string           `gorm:"column:claim_token;size:64;index" json:"-"`
	ReviewedBy         *uint             `gorm:"column:reviewed_by" json:"reviewed_by"`
	ReviewedAt         *time.Time        `gorm:"column:reviewed_at" json:"reviewed_at"`
	TeacherComments    string            `gorm:"column:teacher_comments;type:text" json:"teacher_comments"`
	IsFlagged          bool              `gorm:"column:is_flagged;not null;default:false" json:"is_flagged"`
	FlagReasons        string            `gorm:"column:flag_reasons;type:text" json:"flag_reasons"`
	ContentHash        string            `gorm:"column:content_hash;size:64;index" json:"content_hash"`
	SubmittedAt        time.Time         `gorm:"not null" json:"submitted_at"`
	CreatedAt          time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Images             []SubmissionImage `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"images"`
	Scores             []SubmissionScore `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"scores"`
}

// IsGraded reports whether a final score has been frozen.
func (s Submission) IsGraded() bool {
	return s.Status == SubmissionStatusApproved
}

// SubmissionImage is a photographed answer page uploaded during the attempt.
type SubmissionImage struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    uint      `gorm:"not null;index" json:"session_id"`
	SubmissionID *uint     `gorm:"index" json:"submission_id"`
	StoragePath  string    `gorm:"size:512;not null" json:"storage_path"`
	MimeType     string    `gorm:"size:64" json:"mime_type"`
	Position     int       `gorm:"not null;default:0" json:"position"`
	ImageHash    string    `gorm:"size:64" json:"image_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmissionScore is the per-task score breakdown of a submission.
type SubmissionScore struct {
	ID           uint     `gorm:"primaryKey" json:"id"`
	SubmissionID uint     `gorm:"not null;uniqueIndex:idx_submission_task" json:"submission_id"`
	TaskTypeID   uint     `gorm:"not null;uniqueIndex:idx_submission_task" json:"task_type_id"`
	MaxScore     float64  `gorm:"not null;default:0" json:"max_score"`
	AIScore      *float64 `gorm:"column:ai_score" json:"ai_score"`
	FinalScore   *float64 `gorm:"column:final_score" json:"final_score"`
	AIComment    string   `gorm:"column:ai_comment;type:text" json:"ai_comment"`
}
