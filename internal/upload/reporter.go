// Package upload streams registration images into blob storage while
// publishing progress.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/blobstore"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/progress"
)

// ErrUploadFailed wraps every transport or storage failure during Upload.
var ErrUploadFailed = errors.New("upload failed")

// Reporter uploads images to a blob store.
type Reporter struct {
	store  blobstore.Store
	logger *zap.Logger
}

// NewReporter returns a reporter writing into store.
func NewReporter(store blobstore.Store, logger *zap.Logger) *Reporter {
	return &Reporter{store: store, logger: logger.Named("upload")}
}

// Upload writes img's encoded bytes (PNG when it has none) to the store. The
// stream, if non-nil, receives non-decreasing percentages and then exactly
// one terminal event: Done on success, Failed otherwise. On failure no
// reference is returned and nothing stays in the store.
func (r *Reporter) Upload(ctx context.Context, img *imaging.Image, stream *progress.Stream) (blobstore.Reference, error) {
	if stream == nil {
		stream = progress.NewStream()
	}

	data, contentType, err := payload(img)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUploadFailed, err)
		stream.Fail(err)
		return blobstore.Reference{}, err
	}

	total := int64(len(data))
	stream.Update(0)
	ref, err := r.store.Put(ctx, bytes.NewReader(data), total, contentType, func(written int64) {
		stream.Update(int(written * 100 / total))
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUploadFailed, err)
		r.logger.Warn("upload failed", zap.Int64("bytes", total), zap.Error(err))
		stream.Fail(err)
		return blobstore.Reference{}, err
	}

	stream.Done()
	r.logger.Info("upload complete", zap.String("blob_id", ref.ID), zap.Int64("bytes", ref.Size))
	return ref, nil
}

// LogProgress logs every event from stream until it terminates.
func LogProgress(logger *zap.Logger, uploadID string, stream *progress.Stream) {
	events, _ := stream.Subscribe()
	go func() {
		for ev := range events {
			logger.Debug("upload progress",
				zap.String("upload_id", uploadID),
				zap.String("kind", string(ev.Kind)),
				zap.Int("percent", ev.Percent),
			)
		}
	}()
}

func payload(img *imaging.Image) ([]byte, string, error) {
	if img == nil {
		return nil, "", imaging.ErrEmptyImage
	}
	if data, _ := img.Encoded(); len(data) > 0 {
		return data, img.ContentType(), nil
	}
	data, err := img.EncodePNG()
	if err != nil {
		return nil, "", err
	}
	return data, "image/png", nil
}
