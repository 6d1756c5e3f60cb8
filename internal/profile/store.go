// Package profile resolves subjects to their registered reference images and
// registers new ones.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/blobstore"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/progress"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/upload"
	"github.com/example/face-attendance/internal/usecase"
)

// Repository is the profile persistence the store needs.
type Repository interface {
	SaveProfile(ctx context.Context, p *repository.SubjectProfile) error
	FindProfile(ctx context.Context, subjectID string) (*repository.SubjectProfile, error)
	ListProfiles(ctx context.Context, subjectIDs ...string) ([]repository.SubjectProfile, error)
}

// Uploader writes an image to blob storage while reporting progress.
type Uploader interface {
	Upload(ctx context.Context, img *imaging.Image, stream *progress.Stream) (blobstore.Reference, error)
}

// Store implements usecase.ProfileStore on top of a repository and a blob store.
type Store struct {
	repo     Repository
	blobs    blobstore.Store
	uploader Uploader
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore wires a profile store.
func NewStore(repo Repository, blobs blobstore.Store, uploader Uploader, logger *zap.Logger) *Store {
	return &Store{
		repo:     repo,
		blobs:    blobs,
		uploader: uploader,
		logger:   logger.Named("profile"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetReferenceImage loads and decodes the subject's reference image. A
// subject without a profile, or whose blob is gone, yields
// usecase.ErrProfileNotFound.
func (s *Store) GetReferenceImage(ctx context.Context, subjectID string) (*imaging.Image, error) {
	p, err := s.repo.FindProfile(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", usecase.ErrProfileNotFound, subjectID)
	}
	if err != nil {
		return nil, err
	}

	data, _, err := s.blobs.Get(ctx, p.BlobID)
	if errors.Is(err, blobstore.ErrNotFound) {
		logging.WithOperation(s.logger, "profile.get_reference", "").
			Warn("profile references a missing blob", zap.String("subject_id", subjectID), zap.String("blob_id", p.BlobID))
		return nil, fmt.Errorf("%w: %s", usecase.ErrProfileNotFound, subjectID)
	}
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode reference for %s: %w", subjectID, err)
	}
	return img, nil
}

// RegisterReference uploads img as subjectID's reference image and records
// the profile. stream reports upload progress and reaches Done only after the
// profile is saved. A previous reference blob is removed once the new profile
// is saved. On any failure the new blob is removed and stream ends in Failed.
func (s *Store) RegisterReference(ctx context.Context, subjectID, name string, img *imaging.Image, stream *progress.Stream) (blobstore.Reference, error) {
	subjectID = strings.TrimSpace(subjectID)
	if stream == nil {
		stream = progress.NewStream()
	}
	if subjectID == "" || img == nil {
		err := fmt.Errorf("%w: subject and image are required", usecase.ErrInvalidRequest)
		stream.Fail(err)
		return blobstore.Reference{}, err
	}
	opLogger := logging.WithOperation(s.logger, "profile.register", "").With(zap.String("subject_id", subjectID))

	previous, err := s.repo.FindProfile(ctx, subjectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		stream.Fail(err)
		return blobstore.Reference{}, err
	}

	ref, err := s.upload(ctx, img, stream)
	if err != nil {
		stream.Fail(err)
		return blobstore.Reference{}, err
	}

	if strings.TrimSpace(name) == "" && previous != nil {
		name = previous.Name
	}
	p := &repository.SubjectProfile{
		SubjectID:    subjectID,
		Name:         strings.TrimSpace(name),
		BlobID:       ref.ID,
		ContentType:  ref.ContentType,
		RegisteredAt: s.now(),
	}
	if err := s.repo.SaveProfile(ctx, p); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), ref.ID); derr != nil {
			opLogger.Warn("failed to remove orphaned blob", zap.String("blob_id", ref.ID), zap.Error(derr))
		}
		err = fmt.Errorf("%w: save profile: %w", upload.ErrUploadFailed, err)
		stream.Fail(err)
		return blobstore.Reference{}, err
	}
	stream.Done()

	if previous != nil && previous.BlobID != "" && previous.BlobID != ref.ID {
		if err := s.blobs.Delete(ctx, previous.BlobID); err != nil {
			opLogger.Warn("failed to remove previous reference", zap.String("blob_id", previous.BlobID), zap.Error(err))
		}
	}

	opLogger.Info("reference registered", zap.String("blob_id", ref.ID), zap.Int64("bytes", ref.Size))
	return ref, nil
}

// upload forwards the uploader's intermediate progress to stream and leaves
// the terminal event to the caller, since the profile is not saved yet.
func (s *Store) upload(ctx context.Context, img *imaging.Image, stream *progress.Stream) (blobstore.Reference, error) {
	inner := progress.NewStream()
	events, _ := inner.Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range events {
			if ev.Kind == progress.KindProgress {
				stream.Update(ev.Percent)
			}
		}
	}()

	ref, err := s.uploader.Upload(ctx, img, inner)
	if err != nil {
		inner.Fail(err)
	} else {
		inner.Done()
	}
	<-forwarded
	return ref, err
}

// List returns all registered profiles.
func (s *Store) List(ctx context.Context) ([]repository.SubjectProfile, error) {
	return s.repo.ListProfiles(ctx)
}

// Names maps the given subject ids to display names. Unknown subjects are omitted.
func (s *Store) Names(ctx context.Context, subjectIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return names, nil
	}
	profiles, err := s.repo.ListProfiles(ctx, subjectIDs...)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		names[p.SubjectID] = p.Name
	}
	return names, nil
}
