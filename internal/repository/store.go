package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrInvalidTransition indicates a conditional status update matched no row, either
// because the record does not exist or because it is no longer in the expected state.
var ErrInvalidTransition = errors.New("state transition rejected")

// Repositories groups the repositories that share one database handle.
type Repositories struct {
	Submissions SubmissionRepository
	Sessions    ExamSessionRepository
	Works       WorkRepository
}

// NewRepositories builds every repository on top of db.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Submissions: NewSubmissionRepository(db),
		Sessions:    NewExamSessionRepository(db),
		Works:       NewWorkRepository(db),
	}
}

// Transactor runs multi-row writes atomically.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(repos Repositories) error) error
}

// NewTransactor constructs a gorm backed transactor.
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

type gormTransactor struct {
	db *gorm.DB
}

func (t *gormTransactor) InTransaction(ctx context.Context, fn func(repos Repositories) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
