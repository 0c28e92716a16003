package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// ApproveSubmissionRequest accepts the AI score or replaces it with FinalScore.
type ApproveSubmissionRequest struct {
	FinalScore *float64 `json:"final_score" validate:"omitempty,gte=0"`
	Comments   string   `json:"comments" validate:"max=4000"`
}

// OverrideScoreRequest replaces the AI score with a teacher score.
type OverrideScoreRequest struct {
	FinalScore *float64 `json:"final_score" validate:"required,gte=0"`
	Comments   string   `json:"comments" validate:"max=4000"`
}

// FlagSubmissionRequest marks a preliminary submission for closer review.
type FlagSubmissionRequest struct {
	Reasons []string `json:"reasons" validate:"required,min=1,max=10,dive,required,max=64"`
}

// RejectSubmissionRequest rejects a submission with a mandatory explanation.
type RejectSubmissionRequest struct {
	Comments string `json:"comments" validate:"required,min=3,max=4000"`
}

// SubmissionImageResponse serializes an answer page.
type SubmissionImageResponse struct {
	ID          uint   `json:"id"`
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mime_type"`
	Position    int    `json:"position"`
}

// SubmissionScoreResponse serializes a per-task score.
type SubmissionScoreResponse struct {
	TaskTypeID uint     `json:"task_type_id"`
	MaxScore   float64  `json:"max_score"`
	AIScore    *float64 `json:"ai_score"`
	FinalScore *float64 `json:"final_score"`
	AIComment  string   `json:"ai_comment"`
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID                uint                      `json:"id"`
	CourseID          uint                      `json:"course_id"`
	WorkID            uint                      `json:"work_id"`
	SessionID         uint                      `json:"session_id"`
	StudentID         uint                      `json:"student_id"`
	Status            string                    `json:"status"`
	OCRStatus         string                    `json:"ocr_status"`
	LLMPrecheckStatus string                    `json:"llm_precheck_status"`
	AIScore           *float64                  `json:"ai_score"`
	FinalScore        *float64                  `json:"final_score"`
	MaxScore          float64                   `json:"max_score"`
	AIComments        string                    `json:"ai_comments"`
	AIError           *string                   `json:"ai_error,omitempty"`
	TeacherComments   string                    `json:"teacher_comments"`
	IsFlagged         bool                      `json:"is_flagged"`
	Graded            bool                      `json:"graded"`
	FlagReasons       string                    `json:"flag_reasons,omitempty"`
	ReviewedBy        *uint                     `json:"reviewed_by"`
	ReviewedAt        *time.Time                `json:"reviewed_at"`
	SubmittedAt       time.Time                 `json:"submitted_at"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	Images            []SubmissionImageResponse `json:"images"`
	Scores            []SubmissionScoreResponse `json:"scores"`
}

// FinalizeSessionResponse tells the client which screen comes next.
type FinalizeSessionResponse struct {
	Submission SubmissionResponse `json:"submission"`
	NextStep   string             `json:"next_step"`
}

// NewSubmissionResponse converts a Submission model into a DTO.
func NewSubmissionResponse(model models.Submission) SubmissionResponse {
	response := SubmissionResponse{
		ID:                model.ID,
		CourseID:          model.CourseID,
		WorkID:            model.WorkID,
		SessionID:         model.SessionID,
		StudentID:         model.StudentID,
		Status:            string(model.Status),
		OCRStatus:         string(model.OCRStatus),
		LLMPrecheckStatus: string(model.LLMPrecheckStatus),
		AIScore:           model.AIScore,
		FinalScore:        model.FinalScore,
		MaxScore:          model.MaxScore,
		AIComments:        model.AIComments,
		AIError:           model.AIError,
		TeacherComments:   model.TeacherComments,
		IsFlagged:         model.IsFlagged,
		Graded:            model.IsGraded(),
		FlagReasons:       model.FlagReasons,
		ReviewedBy:        model.ReviewedBy,
		ReviewedAt:        model.ReviewedAt,
		SubmittedAt:       model.SubmittedAt,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
		Images:            make([]SubmissionImageResponse, 0, len(model.Images)),
		Scores:            make([]SubmissionScoreResponse, 0, len(model.Scores)),
	}

	for _, image := range model.Images {
		response.Images = append(response.Images, SubmissionImageResponse{
			ID:          image.ID,
			StoragePath: image.StoragePath,
			MimeType:    image.MimeType,
			Position:    image.Position,
		})
	}
	for _, score := range model.Scores {
		response.Scores = append(response.Scores, SubmissionScoreResponse{
			TaskTypeID: score.TaskTypeID,
			MaxScore:   score.MaxScore,
			AIScore:    score.AIScore,
			FinalScore: score.FinalScore,
			AIComment:  score.AIComment,
		})
	}

	return response
}
