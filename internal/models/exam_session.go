package models

import "time"

// SessionStatus enumerates the states of a student's exam attempt.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSubmitted SessionStatus = "submitted"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusGraded    SessionStatus = "graded"
)

// IsFinalized reports whether the attempt no longer accepts answers.
func (s SessionStatus) IsFinalized() bool {
	switch s {
	case SessionStatusSubmitted, SessionStatusExpired, SessionStatusGraded:
		return true
	case SessionStatusActive:
		return false
	default:
		return false
	}
}

// ExamSession tracks a student's attempt at a work.
type ExamSession struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	WorkID        uint          `gorm:"not null;index" json:"work_id"`
	StudentID     uint          `gorm:"not null;index" json:"student_id"`
	VariantID     *uint         `json:"variant_id"`
	AttemptNumber int           `gorm:"not null;default:1" json:"attempt_number"`
	StartedAt     time.Time     `gorm:"not null" json:"started_at"`
	ExpiresAt     time.Time     `gorm:"not null;index" json:"expires_at"`
	SubmittedAt   *time.Time    `json:"submitted_at"`
	Status        SessionStatus `gorm:"size:16;not null;default:active;index" json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Work          Work          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"work"`
	Variant       *Variant      `json:"variant,omitempty"`
}
