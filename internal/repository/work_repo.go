package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// WorkReport summarises a finished exam window.
type WorkReport struct {
	Sessions     int64    `json:"sessions"`
	Submissions  int64    `json:"submissions"`
	Graded       int64    `json:"graded"`
	Pending      int64    `json:"pending"`
	AverageScore *float64 `json:"average_score"`
}

// WorkRepository exposes persistence helpers for works.
type WorkRepository interface {
	Create(ctx context.Context, work *models.Work) error
	GetByID(ctx context.Context, id uint) (models.Work, error)
	ListEndedNotCompleted(ctx context.Context, now time.Time, limit int) ([]models.Work, error)
	BuildReport(ctx context.Context, workID uint) (WorkReport, error)
	MarkCompleted(ctx context.Context, id uint, report WorkReport, at time.Time) (bool, error)
}

// NewWorkRepository constructs a work repository.
func NewWorkRepository(db *gorm.DB) WorkRepository {
	return &workRepository{db: db}
}

type workRepository struct {
	db *gorm.DB
}

func (r *workRepository) Create(ctx context.Context, work *models.Work) error {
	return r.db.WithContext(ctx).Create(work).Error
}

func (r *workRepository) GetByID(ctx context.Context, id uint) (models.Work, error) {
	var work models.Work
	err := r.db.WithContext(ctx).
		Preload("TaskTypes", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, id ASC")
		}).
		First(&work, id).Error
	if err != nil {
		return models.Work{}, err
	}
	return work, nil
}

func (r *workRepository) ListEndedNotCompleted(ctx context.Context, now time.Time, limit int) ([]models.Work, error) {
	if limit <= 0 {
		limit = 50
	}

	var works []models.Work
	err := r.db.WithContext(ctx).
		Where("ends_at < ? AND status <> ?", now, models.WorkStatusCompleted).
		Order("ends_at ASC, id ASC").
		Limit(limit).
		Find(&works).Error
	return works, err
}

func (r *workRepository) BuildReport(ctx context.Context, workID uint) (WorkReport, error) {
	var report WorkReport

	if err := r.db.WithContext(ctx).
		Model(&models.ExamSession{}).
		Where("work_id = ?", workID).
		Count(&report.Sessions).Error; err != nil {
		return WorkReport{}, err
	}

	if err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("work_id = ?", workID).
		Count(&report.Submissions).Error; err != nil {
		return WorkReport{}, err
	}

	var graded struct {
		Count   int64
		Average *float64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Select("COUNT(*) AS count, AVG(final_score) AS average").
		Where("work_id = ? AND status = ?", workID, models.SubmissionStatusApproved).
		Scan(&graded).Error; err != nil {
		return WorkReport{}, err
	}

	report.Graded = graded.Count
	report.AverageScore = graded.Average
	report.Pending = report.Submissions - report.Graded
	return report, nil
}

func (r *workRepository) MarkCompleted(ctx context.Context, id uint, report WorkReport, at time.Time) (bool, error) {
	payload := datatypes.JSONMap{
		"sessions":      report.Sessions,
		"submissions":   report.Submissions,
		"graded":        report.Graded,
		"pending":       report.Pending,
		"average_score": report.AverageScore,
		"generated_at":  at.UTC().Format(time.RFC3339),
	}

	result := r.db.WithContext(ctx).
		Model(&models.Work{}).
		Where("id = ? AND status <> ?", id, models.WorkStatusCompleted).
		Updates(map[string]interface{}{
			"status":       models.WorkStatusCompleted,
			"completed_at": at,
			"report":       payload,
			"updated_at":   at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
