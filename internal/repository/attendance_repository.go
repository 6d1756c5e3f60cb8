package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicateAttendance is returned when a subject already has a record for
// the class on the same UTC day.
var ErrDuplicateAttendance = errors.New("attendance already recorded for this class today")

const dayLayout = "2006-01-02"

// AttendanceRecord is one accepted attendance mark.
type AttendanceRecord struct {
	ID         uint      `gorm:"primaryKey"`
	SubjectID  string    `gorm:"column:subject_id;size:64;uniqueIndex:idx_attendance_once_per_day"`
	ClassID    string    `gorm:"column:class_id;size:64;index;uniqueIndex:idx_attendance_once_per_day"`
	Day        string    `gorm:"column:day;size:10;uniqueIndex:idx_attendance_once_per_day"`
	RequestID  string    `gorm:"column:request_id;size:64"`
	Score      float64   `gorm:"column:score"`
	RecordedAt time.Time `gorm:"column:recorded_at;index"`
}

// TableName overrides the default table name.
func (AttendanceRecord) TableName() string {
	return "attendance_records"
}

// AttendanceFilter narrows ListAttendance. Zero values do not filter.
type AttendanceFilter struct {
	SubjectID string
	ClassID   string
	From      time.Time
	To        time.Time
	Limit     int
}

// CreateAttendance stores rec, rejecting a second record for the same
// subject, class and UTC day with ErrDuplicateAttendance.
func (r *Repository) CreateAttendance(ctx context.Context, rec *AttendanceRecord) error {
	rec.RecordedAt = rec.RecordedAt.UTC()
	rec.Day = rec.RecordedAt.Format(dayLayout)

	return r.executeWithRetry(ctx, "repository.create_attendance", rec.RequestID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(&AttendanceRecord{}).
				Where("subject_id = ? AND class_id = ? AND day = ?", rec.SubjectID, rec.ClassID, rec.Day).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return ErrDuplicateAttendance
			}
			if err := tx.Create(rec).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateAttendance
				}
				return err
			}
			return nil
		})
	})
}

// ListAttendance returns matching records, newest first.
func (r *Repository) ListAttendance(ctx context.Context, filter AttendanceFilter) ([]AttendanceRecord, error) {
	var records []AttendanceRecord
	err := r.executeWithRetry(ctx, "repository.list_attendance", "", func() error {
		q := r.db.WithContext(ctx).Model(&AttendanceRecord{})
		if filter.SubjectID != "" {
			q = q.Where("subject_id = ?", filter.SubjectID)
		}
		if filter.ClassID != "" {
			q = q.Where("class_id = ?", filter.ClassID)
		}
		if !filter.From.IsZero() {
			q = q.Where("recorded_at >= ?", filter.From.UTC())
		}
		if !filter.To.IsZero() {
			q = q.Where("recorded_at < ?", filter.To.UTC())
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q.Order("recorded_at DESC").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
