package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/retry"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Repository provides persistence for verification logs, attendance
// records and subject profiles.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.Named("repository"),
		retry:  retry.Default,
	}
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{}, &AttendanceRecord{}, &SubjectProfile{})
}

// executeWithRetry runs fn under the repository retry policy. Expected misses
// and duplicate attendance are returned without an error log.
func (r *Repository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts, err := r.retry.Do(ctx, fn, func(attempt int, err error) {
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
	})
	if err == nil {
		if attempts > 1 {
			opLogger.Info("database operation succeeded after retry", zap.Int("attempts", attempts))
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrDuplicateAttendance) {
		opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempts", attempts))
	}
	return logging.NewRetryError(operation, requestID, attempts, err)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
