package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/models"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

func newMaintenance(fx gradingFixture, policy repository.RetryPolicy) MaintenanceService {
	return NewMaintenanceService(repository.NewRepositories(fx.db), newFinalizeService(fx.db), policy, testLogger())
}

func TestCloseExpiredSessions(t *testing.T) {
	db := setupServiceDB(t)
	expired := seedExam(t, db, examOptions{startedAt: time.Now().UTC().Add(-90 * time.Minute).Truncate(time.Second), images: 1})
	running := seedExam(t, db, examOptions{images: 1})

	svc := NewMaintenanceService(repository.NewRepositories(db), newFinalizeService(db), repository.RetryPolicy{}, testLogger())
	closed, err := svc.CloseExpiredSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	var session models.ExamSession
	require.NoError(t, db.First(&session, expired.session.ID).Error)
	require.Equal(t, models.SessionStatusExpired, session.Status)
	require.NotNil(t, session.SubmittedAt)
	require.True(t, session.SubmittedAt.Equal(expired.session.ExpiresAt))

	var stillRunning models.ExamSession
	require.NoError(t, db.First(&stillRunning, running.session.ID).Error)
	require.Equal(t, models.SessionStatusActive, stillRunning.Status)

	var submission models.Submission
	require.NoError(t, db.Where("session_id = ?", expired.session.ID).First(&submission).Error)
	require.Equal(t, models.SubmissionStatusUploaded, submission.Status)

	closed, err = svc.CloseExpiredSessions(context.Background())
	require.NoError(t, err)
	require.Zero(t, closed)
}

func TestProcessCompletedExams(t *testing.T) {
	fx, review := gradedSubmission(t, examOptions{startedAt: time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)}, ai.GradingResult{Score: 8})
	_, err := review.Approve(context.Background(), fx.submitted.ID, dto.ApproveSubmissionRequest{}, 9)
	require.NoError(t, err)

	svc := newMaintenance(fx, repository.RetryPolicy{})
	completed, err := svc.ProcessCompletedExams(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	var work models.Work
	require.NoError(t, fx.db.First(&work, fx.exam.work.ID).Error)
	require.Equal(t, models.WorkStatusCompleted, work.Status)
	require.NotNil(t, work.CompletedAt)
	raw, err := json.Marshal(work.Report)
	require.NoError(t, err)
	var report repository.WorkReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Equal(t, int64(1), report.Sessions)
	require.Equal(t, int64(1), report.Submissions)
	require.Equal(t, int64(1), report.Graded)
	require.NotNil(t, report.AverageScore)
	require.InDelta(t, 8, *report.AverageScore, 1e-9)

	completed, err = svc.ProcessCompletedExams(context.Background())
	require.NoError(t, err)
	require.Zero(t, completed)
}

func TestRetryFailedSubmissionsRequeuesWithinBound(t *testing.T) {
	grader := &fakeGrader{err: ai.ErrGraderUnavailable}
	fx := setupGrading(t, examOptions{}, grader)
	svc := newMaintenance(fx, repository.RetryPolicy{MaxRetries: 1, RetryAfter: time.Nanosecond, StuckAfter: time.Hour})

	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := fx.svc.ClaimNextForProcessing(context.Background())
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Error(t, fx.svc.GradeSubmission(context.Background(), claimed.CourseID, claimed.ID))
		time.Sleep(5 * time.Millisecond)

		result, err := svc.RetryFailedSubmissions(context.Background())
		require.NoError(t, err)
		if attempt == 0 {
			require.Equal(t, int64(1), result.Requeued)
		} else {
			require.Equal(t, int64(1), result.Exhausted)
		}
	}

	var submission models.Submission
	require.NoError(t, fx.db.First(&submission, fx.submitted.ID).Error)
	require.Equal(t, models.SubmissionStatusRejected, submission.Status)
	require.True(t, submission.AIRetriesExhausted)
	require.Equal(t, 1, submission.AIRetryCount)
}

func TestRetryFailedSubmissionsSkipsTerminalFailures(t *testing.T) {
	grader := &fakeGrader{}
	fx := setupGrading(t, examOptions{}, grader)
	svc := newMaintenance(fx, repository.RetryPolicy{MaxRetries: 3, RetryAfter: time.Nanosecond, StuckAfter: time.Hour})
	require.NoError(t, fx.db.Where("submission_id = ?", fx.submitted.ID).Delete(&models.SubmissionImage{}).Error)

	claimed, err := fx.svc.ClaimNextForProcessing(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	err = fx.svc.GradeSubmission(context.Background(), claimed.CourseID, claimed.ID)
	require.Error(t, err)
	require.True(t, IsValidationError(err))
	require.Empty(t, grader.inputs)
	time.Sleep(5 * time.Millisecond)

	result, err := svc.RetryFailedSubmissions(context.Background())
	require.NoError(t, err)
	require.Equal(t, repository.RequeueResult{}, result)

	var submission models.Submission
	require.NoError(t, fx.db.First(&submission, fx.submitted.ID).Error)
	require.Equal(t, models.SubmissionStatusRejected, submission.Status)
	require.True(t, submission.AIRetriesExhausted)
	require.Zero(t, submission.AIRetryCount)
	require.NotNil(t, submission.AIError)
	require.Contains(t, *submission.AIError, "no answer images")
}
