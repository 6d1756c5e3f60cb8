package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/face-attendance/internal/progress"
)

const defaultUploadRetention = 10 * time.Minute

// UploadTracker keeps the progress streams of in-flight and recently
// finished reference uploads so clients can follow them by id.
type UploadTracker struct {
	mu        sync.Mutex
	uploads   map[string]*trackedUpload
	retention time.Duration
	now       func() time.Time
}

type trackedUpload struct {
	subjectID string
	stream    *progress.Stream
	started   time.Time
}

// NewUploadTracker keeps finished uploads for retention (10 minutes when zero).
func NewUploadTracker(retention time.Duration) *UploadTracker {
	if retention <= 0 {
		retention = defaultUploadRetention
	}
	return &UploadTracker{
		uploads:   make(map[string]*trackedUpload),
		retention: retention,
		now:       time.Now,
	}
}

// Start registers a new upload and returns its id and stream.
func (t *UploadTracker) Start(subjectID string) (string, *progress.Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	id := uuid.NewString()
	stream := progress.NewStream()
	t.uploads[id] = &trackedUpload{subjectID: subjectID, stream: stream, started: t.now()}
	return id, stream
}

// Get returns the stream for id.
func (t *UploadTracker) Get(id string) (*progress.Stream, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.uploads[id]
	if !ok {
		return nil, "", false
	}
	return u.stream, u.subjectID, true
}

func (t *UploadTracker) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, u := range t.uploads {
		last, ok := u.stream.Last()
		if ok && last.Terminal() && u.started.Before(cutoff) {
			delete(t.uploads, id)
		}
	}
}
