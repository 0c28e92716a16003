// Package timing computes session expirations, hard deadlines and submit grace
// periods from the rules of each work kind. It performs no I/O.
package timing

import (
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// ErrInvalidTiming is the parent of every timing validation failure.
var ErrInvalidTiming = errors.New("invalid timing parameters")

var (
	// ErrDurationRequired indicates a control work was configured without a positive duration.
	ErrDurationRequired = fmt.Errorf("%w: control work requires a positive duration", ErrInvalidTiming)
	// ErrDurationNotAllowed indicates a homework was configured with a duration.
	ErrDurationNotAllowed = fmt.Errorf("%w: homework must not define a duration", ErrInvalidTiming)
	// ErrUnknownKind indicates the work kind is not recognised.
	ErrUnknownKind = fmt.Errorf("%w: unknown work kind", ErrInvalidTiming)
)

const controlGracePeriodSeconds = 300

// NormalizeDurationForKind validates the duration against the kind rules and returns
// the value to persist.
func NormalizeDurationForKind(kind models.WorkKind, duration *time.Duration) (*time.Duration, error) {
	switch kind {
	case models.WorkKindControl:
		if duration == nil || *duration <= 0 {
			return nil, ErrDurationRequired
		}
		d := *duration
		return &d, nil
	case models.WorkKindHomework:
		if duration != nil {
			return nil, ErrDurationNotAllowed
		}
		return nil, nil
	default:
		return nil, ErrUnknownKind
	}
}

// ComputeSessionExpiration returns when a session started at sessionStart stops
// accepting answers.
func ComputeSessionExpiration(kind models.WorkKind, sessionStart, workEnd time.Time, duration *time.Duration) (time.Time, error) {
	switch kind {
	case models.WorkKindControl:
		normalized, err := NormalizeDurationForKind(kind, duration)
		if err != nil {
			return time.Time{}, err
		}
		return earliest(sessionStart.Add(*normalized), workEnd), nil
	case models.WorkKindHomework:
		return workEnd, nil
	default:
		return time.Time{}, ErrUnknownKind
	}
}

// ComputeHardDeadline reconciles the freshly computed expiration with the expiry
// stored on the session. The stored value may predate a later edit of the work timing,
// so the earlier of the two binds.
func ComputeHardDeadline(kind models.WorkKind, sessionStart, sessionExpiresAt, workEnd time.Time, duration *time.Duration) (time.Time, error) {
	expiration, err := ComputeSessionExpiration(kind, sessionStart, workEnd, duration)
	if err != nil {
		return time.Time{}, err
	}
	return earliest(expiration, sessionExpiresAt), nil
}

// SubmitGracePeriodSeconds is the tolerance after the deadline during which a manual
// submission still counts as on time.
func SubmitGracePeriodSeconds(kind models.WorkKind) int {
	switch kind {
	case models.WorkKindControl:
		return controlGracePeriodSeconds
	case models.WorkKindHomework:
		return 0
	default:
		return 0
	}
}

// SubmitGracePeriod is SubmitGracePeriodSeconds as a duration.
func SubmitGracePeriod(kind models.WorkKind) time.Duration {
	return time.Duration(SubmitGracePeriodSeconds(kind)) * time.Second
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
