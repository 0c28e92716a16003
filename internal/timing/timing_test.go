package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func TestNormalizeDurationForKind(t *testing.T) {
	_, err := NormalizeDurationForKind(models.WorkKindControl, nil)
	require.ErrorIs(t, err, ErrDurationRequired)
	require.ErrorIs(t, err, ErrInvalidTiming)

	_, err = NormalizeDurationForKind(models.WorkKindControl, durationPtr(0))
	require.ErrorIs(t, err, ErrDurationRequired)

	_, err = NormalizeDurationForKind(models.WorkKindHomework, durationPtr(30*time.Minute))
	require.ErrorIs(t, err, ErrDurationNotAllowed)

	normalized, err := NormalizeDurationForKind(models.WorkKindHomework, nil)
	require.NoError(t, err)
	require.Nil(t, normalized)

	normalized, err = NormalizeDurationForKind(models.WorkKindControl, durationPtr(time.Hour))
	require.NoError(t, err)
	require.Equal(t, time.Hour, *normalized)

	_, err = NormalizeDurationForKind(models.WorkKind("quiz"), nil)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestComputeSessionExpiration(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	expiresAt, err := ComputeSessionExpiration(models.WorkKindControl, start, start.Add(120*time.Minute), durationPtr(60*time.Minute))
	require.NoError(t, err)
	require.Equal(t, start.Add(60*time.Minute), expiresAt)

	expiresAt, err = ComputeSessionExpiration(models.WorkKindControl, start, start.Add(30*time.Minute), durationPtr(60*time.Minute))
	require.NoError(t, err)
	require.Equal(t, start.Add(30*time.Minute), expiresAt)

	expiresAt, err = ComputeSessionExpiration(models.WorkKindHomework, start, start.Add(72*time.Hour), nil)
	require.NoError(t, err)
	require.Equal(t, start.Add(72*time.Hour), expiresAt)

	_, err = ComputeSessionExpiration(models.WorkKindControl, start, start.Add(time.Hour), nil)
	require.ErrorIs(t, err, ErrDurationRequired)
}

func TestComputeHardDeadline(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	workEnd := start.Add(2 * time.Hour)

	// the stored expiry predates a later extension of the duration
	deadline, err := ComputeHardDeadline(models.WorkKindControl, start, start.Add(45*time.Minute), workEnd, durationPtr(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, start.Add(45*time.Minute), deadline)

	// the work end was moved earlier after the session started
	deadline, err = ComputeHardDeadline(models.WorkKindControl, start, start.Add(90*time.Minute), start.Add(30*time.Minute), durationPtr(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, start.Add(30*time.Minute), deadline)

	deadline, err = ComputeHardDeadline(models.WorkKindHomework, start, workEnd.Add(time.Hour), workEnd, nil)
	require.NoError(t, err)
	require.Equal(t, workEnd, deadline)
}

func TestSubmitGracePeriod(t *testing.T) {
	require.Equal(t, 300, SubmitGracePeriodSeconds(models.WorkKindControl))
	require.Equal(t, 0, SubmitGracePeriodSeconds(models.WorkKindHomework))
	require.Equal(t, 5*time.Minute, SubmitGracePeriod(models.WorkKindControl))
	require.Zero(t, SubmitGracePeriod(models.WorkKindHomework))
}
