package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	return openTestDB(t, dsn, 1)
}

// setupConcurrentTestDB opens a file backed database with a connection per caller so
// concurrent statements really interleave at the SQLite lock level.
func setupConcurrentTestDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", filepath.Join(t.TempDir(), "exam.db"))
	return openTestDB(t, dsn, conns)
}

func openTestDB(t *testing.T, dsn string, conns int) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Work{}, &models.TaskType{}, &models.Variant{},
		&models.ExamSession{}, &models.Submission{}, &models.SubmissionImage{}, &models.SubmissionScore{},
	))
	return db
}

type fixture struct {
	work    models.Work
	session models.ExamSession
}

func seedSession(t *testing.T, db *gorm.DB, studentID uint, start time.Time) fixture {
	t.Helper()
	minutes := 60
	work := models.Work{
		CourseID:        7,
		Title:           "Midterm",
		Kind:            models.WorkKindControl,
		StartsAt:        start,
		EndsAt:          start.Add(2 * time.Hour),
		DurationMinutes: &minutes,
		Status:          models.WorkStatusActive,
		TaskTypes:       []models.TaskType{{Title: "Q1", Position: 1, MaxScore: 5}, {Title: "Q2", Position: 2, MaxScore: 5}},
	}
	require.NoError(t, db.Create(&work).Error)

	session := models.ExamSession{
		WorkID:        work.ID,
		StudentID:     studentID,
		AttemptNumber: 1,
		StartedAt:     start,
		ExpiresAt:     start.Add(time.Hour),
		Status:        models.SessionStatusActive,
	}
	require.NoError(t, db.Omit("Work", "Variant").Create(&session).Error)
	return fixture{work: work, session: session}
}

func seedSubmission(t *testing.T, db *gorm.DB, f fixture, createdAt time.Time, ocr models.OCRStatus) models.Submission {
	t.Helper()
	submission := models.Submission{
		CourseID:          f.work.CourseID,
		WorkID:            f.work.ID,
		SessionID:         f.session.ID,
		StudentID:         f.session.StudentID,
		Status:            models.SubmissionStatusUploaded,
		OCRStatus:         ocr,
		LLMPrecheckStatus: models.LLMPrecheckStatusSkipped,
		MaxScore:          10,
		SubmittedAt:       createdAt,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	created, err := NewSubmissionRepository(db).CreateIfAbsent(context.Background(), &submission)
	require.NoError(t, err)
	require.True(t, created)
	return submission
}
