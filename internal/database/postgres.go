package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

const sqlitePrefix = "sqlite://"

// ConnectPostgres establishes a connection to the PostgreSQL database using the provided DSN.
func ConnectPostgres(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

// Connect opens postgres, or a SQLite file when the URL starts with sqlite://.
func Connect(url string) (*gorm.DB, error) {
	if !strings.HasPrefix(url, sqlitePrefix) {
		return ConnectPostgres(url)
	}

	db, err := gorm.Open(sqlite.Open(strings.TrimPrefix(url, sqlitePrefix)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY under the worker pool
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Migrate creates or updates the exam pipeline tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Work{},
		&models.TaskType{},
		&models.Variant{},
		&models.ExamSession{},
		&models.Submission{},
		&models.SubmissionImage{},
		&models.SubmissionScore{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}
