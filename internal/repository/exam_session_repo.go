package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/timing"
)

// ExamSessionRepository exposes persistence helpers for exam sessions.
type ExamSessionRepository interface {
	Create(ctx context.Context, session *models.ExamSession) error
	GetByID(ctx context.Context, id uint) (models.ExamSession, error)
	ListExpiredWithoutSubmission(ctx context.Context, now time.Time, limit int) ([]models.ExamSession, error)
	TransitionStatus(ctx context.Context, id uint, from, to models.SessionStatus, at time.Time) (bool, error)
}

// NewExamSessionRepository constructs an exam session repository.
func NewExamSessionRepository(db *gorm.DB) ExamSessionRepository {
	return &examSessionRepository{db: db}
}

type examSessionRepository struct {
	db *gorm.DB
}

// Create stores a new session. ExpiresAt is always derived from the work timing rules,
// so it never runs past the work's end.
func (r *examSessionRepository) Create(ctx context.Context, session *models.ExamSession) error {
	var work models.Work
	if err := r.db.WithContext(ctx).First(&work, session.WorkID).Error; err != nil {
		return fmt.Errorf("load work %d: %w", session.WorkID, err)
	}

	expiresAt, err := timing.ComputeSessionExpiration(work.Kind, session.StartedAt, work.EndsAt, work.Duration())
	if err != nil {
		return fmt.Errorf("compute session expiration: %w", err)
	}
	session.ExpiresAt = expiresAt

	return r.db.WithContext(ctx).Omit("Work", "Variant").Create(session).Error
}

func (r *examSessionRepository) GetByID(ctx context.Context, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	err := r.db.WithContext(ctx).
		Preload("Work").
		Preload("Work.TaskTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		Preload("Variant").
		First(&session, id).Error
	if err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *examSessionRepository) ListExpiredWithoutSubmission(ctx context.Context, now time.Time, limit int) ([]models.ExamSession, error) {
	if limit <= 0 {
		limit = 100
	}

	var sessions []models.ExamSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.SessionStatusActive, now).
		Where("NOT EXISTS (SELECT 1 FROM submissions WHERE submissions.session_id = exam_sessions.id)").
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// TransitionStatus moves the session from one status to another and reports whether
// this call performed the change.
func (r *examSessionRepository) TransitionStatus(ctx context.Context, id uint, from, to models.SessionStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	if to == models.SessionStatusSubmitted || to == models.SessionStatusExpired {
		updates["submitted_at"] = at
	}

	result := r.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
