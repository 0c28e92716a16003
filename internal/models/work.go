package models

import (
	"time"

	"gorm.io/datatypes"
)

// WorkKind distinguishes timed proctored exams from deadline-only homework.
type WorkKind string

const (
	// WorkKindControl is a timed, proctored exam with a fixed duration.
	WorkKindControl WorkKind = "control"
	// WorkKindHomework only has a deadline.
	WorkKindHomework WorkKind = "homework"
)

// IsValid reports whether the kind is one of the known values.
func (k WorkKind) IsValid() bool {
	switch k {
	case WorkKindControl, WorkKindHomework:
		return true
	default:
		return false
	}
}

// WorkStatus tracks the reporting lifecycle of an exam window.
type WorkStatus string

const (
	WorkStatusScheduled WorkStatus = "scheduled"
	WorkStatusActive    WorkStatus = "active"
	WorkStatusCompleted WorkStatus = "completed"
)

// Work is a published exam or homework belonging to a course.
type Work struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	CourseID           uint              `gorm:"not null;index" json:"course_id"`
	Title              string            `gorm:"size:255;not null" json:"title"`
	Kind               WorkKind          `gorm:"size:16;not null" json:"kind"`
	StartsAt           time.Time         `gorm:"not null" json:"starts_at"`
	EndsAt             time.Time         `gorm:"not null;index" json:"ends_at"`
	DurationMinutes    *int              `json:"duration_minutes"`
	OCREnabled         bool              `gorm:"column:ocr_enabled;not null;default:false" json:"ocr_enabled"`
	LLMPrecheckEnabled bool              `gorm:"column:llm_precheck_enabled;not null;default:false" json:"llm_precheck_enabled"`
	Status             WorkStatus        `gorm:"size:16;not null;default:scheduled;index" json:"status"`
	CompletedAt        *time.Time        `json:"completed_at"`
	Report             datatypes.JSONMap `json:"report"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	TaskTypes          []TaskType        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"task_types"`
	Variants           []Variant         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"variants"`
}

// Duration returns the configured duration, or nil when the work has none.
func (w Work) Duration() *time.Duration {
	if w.DurationMinutes == nil {
		return nil
	}
	d := time.Duration(*w.DurationMinutes) * time.Minute
	return &d
}

// MaxScore sums the maximum achievable score over every task type.
func (w Work) MaxScore() float64 {
	total := 0.0
	for _, task := range w.TaskTypes {
		total += task.MaxScore
	}
	return total
}

// ProcessingSettings derives the active processing stages from the work configuration.
func (w Work) ProcessingSettings() WorkProcessingSettings {
	return WorkProcessingSettings{
		OCREnabled:         w.OCREnabled,
		LLMPrecheckEnabled: w.LLMPrecheckEnabled,
	}
}

// TaskType is one gradable task of a work.
type TaskType struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	WorkID   uint    `gorm:"not null;index" json:"work_id"`
	Title    string  `gorm:"size:255" json:"title"`
	Position int     `gorm:"not null;default:0" json:"position"`
	MaxScore float64 `gorm:"not null;default:0" json:"max_score"`
}

// Variant is a version of the exam handed to a student.
type Variant struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	WorkID  uint   `gorm:"not null;index" json:"work_id"`
	Title   string `gorm:"size:255" json:"title"`
	Content string `gorm:"type:text" json:"content"`
}
