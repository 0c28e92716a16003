package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

func TestSubmissionRepositoryCreateIfAbsentIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	f := seedSession(t, db, 1, start)

	first := seedSubmission(t, db, f, start.Add(time.Minute), models.OCRStatusNotRequired)

	duplicate := models.Submission{
		CourseID:    f.work.CourseID,
		WorkID:      f.work.ID,
		SessionID:   f.session.ID,
		StudentID:   f.session.StudentID,
		Status:      models.SubmissionStatusUploaded,
		SubmittedAt: start.Add(2 * time.Minute),
	}
	created, err := repo.CreateIfAbsent(context.Background(), &duplicate)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, duplicate.ID)

	var count int64
	require.NoError(t, db.Model(&models.Submission{}).Where("session_id = ?", f.session.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSubmissionRepositoryClaimsOldestEligible(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	waitingOCR := seedSubmission(t, db, seedSession(t, db, 1, start), start.Add(time.Minute), models.OCRStatusPending)
	older := seedSubmission(t, db, seedSession(t, db, 2, start), start.Add(2*time.Minute), models.OCRStatusNotRequired)
	newer := seedSubmission(t, db, seedSession(t, db, 3, start), start.Add(3*time.Minute), models.OCRStatusCompleted)

	now := start.Add(time.Hour)
	claimed, err := repo.ClaimNextForProcessing(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, older.ID, claimed.ID)
	require.Equal(t, models.SubmissionStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.ClaimToken)
	require.NotNil(t, claimed.AIStartedAt)

	claimed, err = repo.ClaimNextForProcessing(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, newer.ID, claimed.ID)

	claimed, err = repo.ClaimNextForProcessing(context.Background(), now)
	require.NoError(t, err)
	require.Nil(t, claimed, "submission awaiting OCR review must not be claimed")

	require.NoError(t, repo.CompleteOCR(context.Background(), waitingOCR.ID, now))
	claimed, err = repo.ClaimNextForProcessing(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, waitingOCR.ID, claimed.ID)
}

func TestSubmissionRepositoryConcurrentClaimSingleWinner(t *testing.T) {
	db := setupConcurrentTestDB(t, 8)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	submission := seedSubmission(t, db, seedSession(t, db, 1, start), start, models.OCRStatusNotRequired)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uint
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimNextForProcessing(context.Background(), start.Add(time.Minute))
			require.NoError(t, err)
			if claimed != nil {
				mu.Lock()
				winners = append(winners, claimed.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, []uint{submission.ID}, winners)
}

func TestSubmissionRepositoryConcurrentClaimsAreDistinct(t *testing.T) {
	db := setupConcurrentTestDB(t, 10)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	const queued = 5
	for i := 0; i < queued; i++ {
		seedSubmission(t, db, seedSession(t, db, uint(i+1), start), start.Add(time.Duration(i)*time.Second), models.OCRStatusNotRequired)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint]int{}
	)
	for i := 0; i < queued*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimNextForProcessing(context.Background(), start.Add(time.Minute))
			require.NoError(t, err)
			if claimed != nil {
				mu.Lock()
				seen[claimed.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, queued)
	for id, hits := range seen {
		require.Equal(t, 1, hits, "submission %d claimed more than once", id)
	}
}

func TestSubmissionRepositoryMarkPreliminaryRequiresClaimToken(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	f := seedSession(t, db, 1, start)
	submission := seedSubmission(t, db, f, start, models.OCRStatusNotRequired)
	require.NoError(t, repo.CreateScores(context.Background(), []models.SubmissionScore{
		{SubmissionID: submission.ID, TaskTypeID: f.work.TaskTypes[0].ID, MaxScore: 5},
		{SubmissionID: submission.ID, TaskTypeID: f.work.TaskTypes[1].ID, MaxScore: 5},
	}))

	claimed, err := repo.ClaimNextForProcessing(context.Background(), start.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	outcome := GradingOutcome{
		Score:       8,
		Analysis:    map[string]interface{}{"summary": "good"},
		Comments:    "Solid work",
		CompletedAt: start.Add(2 * time.Minute),
		Duration:    40 * time.Second,
		TaskScores: []TaskScoreOutcome{
			{TaskTypeID: f.work.TaskTypes[0].ID, Score: 5, Comment: "full marks"},
			{TaskTypeID: f.work.TaskTypes[1].ID, Score: 3, Comment: "sign error"},
		},
	}

	err = repo.MarkPreliminary(context.Background(), Claim{SubmissionID: claimed.ID, Token: "stale"}, outcome)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, repo.MarkPreliminary(context.Background(), Claim{SubmissionID: claimed.ID, Token: *claimed.ClaimToken}, outcome))

	stored, err := repo.GetByID(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusPreliminary, stored.Status)
	require.NotNil(t, stored.AIScore)
	require.InDelta(t, 8, *stored.AIScore, 1e-9)
	require.Nil(t, stored.FinalScore)
	require.Nil(t, stored.ClaimToken)
	require.Equal(t, int64(40000), stored.AIDurationMs)
	require.Len(t, stored.Scores, 2)
	require.NotNil(t, stored.Scores[1].AIScore)
	require.InDelta(t, 3, *stored.Scores[1].AIScore, 1e-9)
}

func TestSubmissionRepositoryApproveFreezesScore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	f := seedSession(t, db, 1, start)
	seedSubmission(t, db, f, start, models.OCRStatusNotRequired)

	claimed, err := repo.ClaimNextForProcessing(context.Background(), start)
	require.NoError(t, err)
	claim := Claim{SubmissionID: claimed.ID, Token: *claimed.ClaimToken}

	require.ErrorIs(t, repo.Approve(context.Background(), ReviewDecision{SubmissionID: claimed.ID, ReviewerID: 9, ReviewedAt: start}), ErrInvalidTransition)

	require.NoError(t, repo.Flag(context.Background(), claim, GradingOutcome{Score: 6, CompletedAt: start.Add(time.Minute)}, []string{"duplicate_content"}))

	require.NoError(t, repo.Approve(context.Background(), ReviewDecision{
		SubmissionID: claimed.ID,
		ReviewerID:   9,
		Comments:     "checked manually",
		ReviewedAt:   start.Add(time.Hour),
	}))

	stored, err := repo.GetByID(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusApproved, stored.Status)
	require.True(t, stored.IsFlagged)
	require.Equal(t, "duplicate_content", stored.FlagReasons)
	require.NotNil(t, stored.FinalScore)
	require.InDelta(t, 6, *stored.FinalScore, 1e-9)
	require.Equal(t, uint(9), *stored.ReviewedBy)

	var session models.ExamSession
	require.NoError(t, db.First(&session, f.session.ID).Error)
	require.Equal(t, models.SessionStatusGraded, session.Status)

	override := 9.5
	err = repo.OverrideScore(context.Background(), ReviewDecision{SubmissionID: claimed.ID, ReviewerID: 9, FinalScore: &override, ReviewedAt: start.Add(2 * time.Hour)})
	require.ErrorIs(t, err, ErrInvalidTransition, "approved submissions are terminal")
}

func TestSubmissionRepositoryRequeueFailedHonoursRetryBound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxRetries: 2, StuckAfter: 15 * time.Minute, RetryAfter: 10 * time.Minute}

	failed := seedSubmission(t, db, seedSession(t, db, 1, start), start, models.OCRStatusNotRequired)
	claimed, err := repo.ClaimNextForProcessing(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, failed.ID, claimed.ID)
	require.NoError(t, repo.RecordFailure(context.Background(), Claim{SubmissionID: claimed.ID, Token: *claimed.ClaimToken}, "grading service unavailable", true, start))

	// still inside the retry backoff window
	result, err := repo.RequeueFailed(context.Background(), policy, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, RequeueResult{}, result)

	now := start.Add(11 * time.Minute)
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		result, err = repo.RequeueFailed(context.Background(), policy, now)
		require.NoError(t, err)
		require.Equal(t, RequeueResult{Requeued: 1}, result)

		stored, err := repo.GetByID(context.Background(), failed.ID)
		require.NoError(t, err)
		require.Equal(t, models.SubmissionStatusUploaded, stored.Status)
		require.Equal(t, attempt, stored.AIRetryCount)

		claimed, err = repo.ClaimNextForProcessing(context.Background(), now)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, repo.RecordFailure(context.Background(), Claim{SubmissionID: claimed.ID, Token: *claimed.ClaimToken}, "timeout", true, now))
		now = now.Add(11 * time.Minute)
	}

	result, err = repo.RequeueFailed(context.Background(), policy, now)
	require.NoError(t, err)
	require.Equal(t, RequeueResult{Exhausted: 1}, result)

	stored, err := repo.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusRejected, stored.Status)
	require.True(t, stored.AIRetriesExhausted)

	result, err = repo.RequeueFailed(context.Background(), policy, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, RequeueResult{}, result, "exhausted submissions stay terminal")
}

func TestSubmissionRepositoryTerminalFailureIsNotRequeued(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxRetries: 3, StuckAfter: 15 * time.Minute, RetryAfter: time.Minute}

	failed := seedSubmission(t, db, seedSession(t, db, 1, start), start, models.OCRStatusNotRequired)
	claimed, err := repo.ClaimNextForProcessing(context.Background(), start)
	require.NoError(t, err)
	require.NoError(t, repo.RecordFailure(context.Background(), Claim{SubmissionID: claimed.ID, Token: *claimed.ClaimToken}, "submission has no answer images", false, start))

	result, err := repo.RequeueFailed(context.Background(), policy, start.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, RequeueResult{}, result)

	stored, err := repo.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusRejected, stored.Status)
	require.True(t, stored.AIRetriesExhausted)
	require.Zero(t, stored.AIRetryCount)
}

func TestSubmissionRepositoryRequeuesStuckProcessing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubmissionRepository(db)
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxRetries: 3, StuckAfter: 15 * time.Minute, RetryAfter: 10 * time.Minute}

	submission := seedSubmission(t, db, seedSession(t, db, 1, start), start, models.OCRStatusNotRequired)
	claimed, err := repo.ClaimNextForProcessing(context.Background(), start)
	require.NoError(t, err)

	result, err := repo.RequeueFailed(context.Background(), policy, start.Add(10*time.Minute))
	require.NoError(t, err)
	require.Zero(t, result.Requeued, "grading still within its allowance")

	result, err = repo.RequeueFailed(context.Background(), policy, start.Add(16*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Requeued)

	// the original worker finishes late and must not overwrite the requeued row
	err = repo.MarkPreliminary(context.Background(), Claim{SubmissionID: submission.ID, Token: *claimed.ClaimToken}, GradingOutcome{Score: 1, CompletedAt: start.Add(17 * time.Minute)})
	require.ErrorIs(t, err, ErrInvalidTransition)
}
