package service

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the exam session cannot be located.
	ErrSessionNotFound = errors.New("exam session not found")
	// ErrSubmissionNotFound indicates the submission cannot be located.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrDeadlinePassed indicates a manual submit arrived after the deadline and grace period.
	ErrDeadlinePassed = errors.New("submission deadline has passed")
	// ErrSubmissionNotClaimed indicates grading was requested for a submission no worker holds.
	ErrSubmissionNotClaimed = errors.New("submission is not claimed for processing")
	// ErrCourseMismatch indicates the submission belongs to another course.
	ErrCourseMismatch = errors.New("submission does not belong to course")
	// ErrSubmissionNotReviewable indicates the submission is not awaiting a teacher decision.
	ErrSubmissionNotReviewable = errors.New("submission is not awaiting review")
	// ErrOCRNotPending indicates the OCR stage cannot be confirmed in the current state.
	ErrOCRNotPending = errors.New("ocr review is not pending")
	// ErrScoreExceedsMax indicates a teacher score surpasses the exam maximum.
	ErrScoreExceedsMax = errors.New("score exceeds exam max")
	// ErrInvalidFinalizeMode indicates an unknown finalize mode.
	ErrInvalidFinalizeMode = errors.New("invalid finalize mode")
)

// ValidationError marks bad input that must fail fast and never be retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransientGradingError marks an external grading failure that the retry loop may
// recover from.
type TransientGradingError struct {
	SubmissionID uint
	Err          error
}

func (e *TransientGradingError) Error() string {
	return fmt.Sprintf("grading submission %d failed: %v", e.SubmissionID, e.Err)
}

func (e *TransientGradingError) Unwrap() error {
	return e.Err
}

// ConsistencyError marks a row that should exist after a committed write but does not.
// It points at a storage bug rather than a user error.
type ConsistencyError struct {
	Entity string
	ID     uint
	Err    error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s %d missing: %v", e.Entity, e.ID, e.Err)
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
