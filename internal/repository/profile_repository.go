package repository

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// SubjectProfile links a subject to their registered reference image blob.
type SubjectProfile struct {
	ID           uint      `gorm:"primaryKey"`
	SubjectID    string    `gorm:"column:subject_id;uniqueIndex;size:64"`
	Name         string    `gorm:"column:name;size:255"`
	BlobID       string    `gorm:"column:blob_id;size:64"`
	ContentType  string    `gorm:"column:content_type;size:64"`
	RegisteredAt time.Time `gorm:"column:registered_at"`
}

// TableName overrides the default table name.
func (SubjectProfile) TableName() string {
	return "subject_profiles"
}

// SaveProfile inserts or replaces the profile for p.SubjectID.
func (r *Repository) SaveProfile(ctx context.Context, p *SubjectProfile) error {
	return r.executeWithRetry(ctx, "repository.save_profile", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "blob_id", "content_type", "registered_at"}),
		}).Create(p).Error
	})
}

// FindProfile returns the profile for subjectID or ErrNotFound.
func (r *Repository) FindProfile(ctx context.Context, subjectID string) (*SubjectProfile, error) {
	var p SubjectProfile
	err := r.executeWithRetry(ctx, "repository.find_profile", "", func() error {
		return notFound(r.db.WithContext(ctx).First(&p, "subject_id = ?", subjectID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns every profile ordered by subject id. When subjectIDs
// is non-empty only those subjects are returned.
func (r *Repository) ListProfiles(ctx context.Context, subjectIDs ...string) ([]SubjectProfile, error) {
	var profiles []SubjectProfile
	err := r.executeWithRetry(ctx, "repository.list_profiles", "", func() error {
		q := r.db.WithContext(ctx).Model(&SubjectProfile{})
		if len(subjectIDs) > 0 {
			q = q.Where("subject_id IN ?", subjectIDs)
		}
		return q.Order("subject_id").Find(&profiles).Error
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}
