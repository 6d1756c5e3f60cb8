package repository

import (
	"context"
	"time"
)

// VerificationLog represents one persisted verification attempt.
type VerificationLog struct {
	ID         uint    `gorm:"primaryKey"`
	RequestID  string  `gorm:"column:request_id;uniqueIndex;size:64"`
	SubjectID  string  `gorm:"column:subject_id;index;size:64"`
	ClassID    string  `gorm:"column:class_id;size:64"`
	Outcome    string  `gorm:"column:outcome;size:32"`
	Accepted   bool    `gorm:"column:accepted"`
	Score      float64 `gorm:"column:score"`
	Reason     string  `gorm:"column:reason;type:text"`
	DurationMs int64   `gorm:"column:duration_ms"`
	// CaptureHash is the hex SHA-1 of the encoded captured frame, empty when
	// nothing was captured.
	CaptureHash string    `gorm:"column:capture_hash;index;size:40"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation holds raw aggregates over the verification log.
type MetricsAggregation struct {
	TotalCount        int64
	AcceptedCount     int64
	AverageScore      float64
	AverageDurationMs float64
}

// SaveLog persists a verification log entry.
func (r *Repository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndSubject retrieves a verification log matching the request and owner.
func (r *Repository) FindByRequestIDAndSubject(ctx context.Context, requestID, subjectID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return notFound(r.db.WithContext(ctx).First(&log, "request_id = ? AND subject_id = ?", requestID, subjectID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindByRequestID retrieves a verification log regardless of its owner.
func (r *Repository) FindByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return notFound(r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash returns every other attempt whose captured frame had
// the same hash, oldest first. An empty hash matches nothing.
func (r *Repository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*VerificationLog, error) {
	if hash == "" {
		return nil, nil
	}
	var logs []*VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("capture_hash = ? AND request_id <> ?", hash, excludeRequestID).
			Order("created_at ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals over every logged verification.
func (r *Repository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerificationLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0) AS accepted_count, " +
				"COALESCE(AVG(score), 0) AS average_score, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
