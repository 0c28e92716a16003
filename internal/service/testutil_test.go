package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	return openServiceDB(t, dsn, 1)
}

// setupConcurrentServiceDB gives every goroutine its own connection on a WAL file
// database; write transactions start IMMEDIATE and wait on the busy timeout.
func setupConcurrentServiceDB(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", filepath.Join(t.TempDir(), "exam.db"))
	return openServiceDB(t, dsn, conns)
}

func openServiceDB(t *testing.T, dsn string, conns int) *gorm.DB {
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

type examOptions struct {
	kind      models.WorkKind
	ocr       bool
	precheck  bool
	startedAt time.Time
	images    int
}

type examFixture struct {
	work    models.Work
	session models.ExamSession
}

func seedExam(t *testing.T, db *gorm.DB, opts examOptions) examFixture {
	t.Helper()
	if opts.kind == "" {
		opts.kind = models.WorkKindControl
	}
	if opts.startedAt.IsZero() {
		opts.startedAt = time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Second)
	}

	work := models.Work{
		CourseID:           7,
		Title:              "Algebra control",
		Kind:               opts.kind,
		StartsAt:           opts.startedAt.Add(-time.Hour),
		EndsAt:             opts.startedAt.Add(2 * time.Hour),
		OCREnabled:         opts.ocr,
		LLMPrecheckEnabled: opts.precheck,
		Status:             models.WorkStatusActive,
		TaskTypes: []models.TaskType{
			{Title: "Equations", Position: 1, MaxScore: 6},
			{Title: "Proof", Position: 2, MaxScore: 4},
		},
		Variants: []models.Variant{{Title: "Variant A", Content: "Solve x^2 = 4"}},
	}
	expiresAt := work.EndsAt
	if opts.kind == models.WorkKindControl {
		minutes := 60
		work.DurationMinutes = &minutes
		expiresAt = opts.startedAt.Add(time.Hour)
	}
	require.NoError(t, db.Create(&work).Error)

	variantID := work.Variants[0].ID
	session := models.ExamSession{
		WorkID:        work.ID,
		StudentID:     42,
		VariantID:     &variantID,
		AttemptNumber: 1,
		StartedAt:     opts.startedAt,
		ExpiresAt:     expiresAt,
		Status:        models.SessionStatusActive,
	}
	require.NoError(t, db.Omit("Work", "Variant").Create(&session).Error)

	for i := 0; i < opts.images; i++ {
		image := models.SubmissionImage{
			SessionID:   session.ID,
			StoragePath: fmt.Sprintf("sessions/%d/page-%d.jpg", session.ID, i+1),
			MimeType:    "image/jpeg",
			Position:    i + 1,
			ImageHash:   fmt.Sprintf("hash-%d-%d", session.ID, i+1),
		}
		require.NoError(t, db.Create(&image).Error)
	}

	return examFixture{work: work, session: session}
}

func newFinalizeService(db *gorm.DB) FinalizeService {
	return NewFinalizeService(repository.NewRepositories(db), repository.NewTransactor(db), testLogger())
}

type fakeGrader struct {
	mu     sync.Mutex
	result ai.GradingResult
	err    error
	inputs []ai.GradingInput
}

func (f *fakeGrader) Grade(ctx context.Context, input ai.GradingInput) (ai.GradingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return ai.GradingResult{}, f.err
	}
	return f.result, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []models.SubmissionStatus
}

func (r *recordingPublisher) Publish(_ context.Context, submission models.Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, submission.Status)
}

func (r *recordingPublisher) published() []models.SubmissionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SubmissionStatus(nil), r.statuses...)
}
