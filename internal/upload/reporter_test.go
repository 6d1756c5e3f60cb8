package upload

import (
	"context"
	"errors"
	"image/color"
	"io"
	"testing"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/blobstore"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/progress"
)

type stubStore struct {
	chunk   int
	failAt  int64
	putErr  error
	puts    int
	content []byte
}

func (s *stubStore) Put(ctx context.Context, r io.Reader, size int64, contentType string, onChunk func(int64)) (blobstore.Reference, error) {
	s.puts++
	if s.putErr != nil {
		return blobstore.Reference{}, s.putErr
	}
	buf := make([]byte, s.chunk)
	var written int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			written += int64(n)
			s.content = append(s.content, buf[:n]...)
			if s.failAt > 0 && written >= s.failAt {
				return blobstore.Reference{}, errors.New("connection reset")
			}
			onChunk(written)
		}
		if err == io.EOF {
			break
		}
	}
	return blobstore.Reference{ID: "blob-1", Size: written, ContentType: contentType}, nil
}

func (s *stubStore) Get(ctx context.Context, id string) ([]byte, blobstore.Reference, error) {
	return nil, blobstore.Reference{}, blobstore.ErrNotFound
}

func (s *stubStore) Delete(ctx context.Context, id string) error { return nil }

func testImage(t *testing.T) *imaging.Image {
	t.Helper()
	img, err := imaging.Uniform(64, 48, color.RGBA{R: 90, G: 30, B: 200, A: 255})
	if err != nil {
		t.Fatalf("uniform: %v", err)
	}
	return img
}

func collect(ch <-chan progress.Event) []progress.Event {
	var out []progress.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestUploadReportsMonotonicProgressEndingAtHundred(t *testing.T) {
	store := &stubStore{chunk: 16}
	r := NewReporter(store, zap.NewNop())
	stream := progress.NewStream()
	events, _ := stream.Subscribe()

	ref, err := r.Upload(context.Background(), testImage(t), stream)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.ID != "blob-1" || ref.ContentType != "image/png" {
		t.Fatalf("unexpected reference %+v", ref)
	}

	got := collect(events)
	if len(got) < 2 {
		t.Fatalf("expected several events, got %d", len(got))
	}
	prev := 0
	for _, ev := range got {
		if ev.Percent < prev {
			t.Fatalf("progress decreased: %d after %d", ev.Percent, prev)
		}
		prev = ev.Percent
	}
	if last := got[len(got)-1]; last.Kind != progress.KindDone || last.Percent != 100 {
		t.Fatalf("expected final 100, got %+v", last)
	}
}

func TestUploadUsesEncodedBytesWhenPresent(t *testing.T) {
	store := &stubStore{chunk: 1 << 20}
	r := NewReporter(store, zap.NewNop())
	img, err := testImage(t).EncodeJPEG(0.9)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ref, err := r.Upload(context.Background(), img, nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.ContentType != "image/jpeg" {
		t.Fatalf("expected jpeg content type, got %s", ref.ContentType)
	}
	data, _ := img.Encoded()
	if string(store.content) != string(data) {
		t.Fatal("uploaded bytes differ from encoded image")
	}
}

func TestUploadFailureIsTerminalAndReturnsNoReference(t *testing.T) {
	store := &stubStore{chunk: 8, failAt: 24}
	r := NewReporter(store, zap.NewNop())
	stream := progress.NewStream()
	events, _ := stream.Subscribe()

	ref, err := r.Upload(context.Background(), testImage(t), stream)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if ref != (blobstore.Reference{}) {
		t.Fatalf("expected no reference, got %+v", ref)
	}

	got := collect(events)
	last := got[len(got)-1]
	if last.Kind != progress.KindFailed {
		t.Fatalf("expected failed terminal event, got %+v", last)
	}
	for _, ev := range got {
		if ev.Percent == 100 {
			t.Fatal("failed upload must not report 100")
		}
	}
}

func TestUploadStoreErrorIsWrapped(t *testing.T) {
	cause := errors.New("disk full")
	r := NewReporter(&stubStore{putErr: cause}, zap.NewNop())
	_, err := r.Upload(context.Background(), testImage(t), nil)
	if !errors.Is(err, ErrUploadFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestUploadNilImage(t *testing.T) {
	store := &stubStore{chunk: 8}
	r := NewReporter(store, zap.NewNop())
	if _, err := r.Upload(context.Background(), nil, nil); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if store.puts != 0 {
		t.Fatal("store must not be called for a nil image")
	}
}
