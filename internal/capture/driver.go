package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/example/face-attendance/internal/imaging"
)

// ErrNoFrame is returned by a Stream when its wait elapsed without a frame.
var ErrNoFrame = errors.New("no frame available")

// Driver opens a live stream on a device. Implementations map their native
// failures onto ErrUnsupported, ErrPermissionDenied and ErrDeviceUnavailable.
type Driver interface {
	Open(ctx context.Context, device string, cfg Config) (Stream, error)
}

// Stream is an open device binding. ReadFrame blocks until a frame arrives,
// ctx is done, or the device fails.
type Stream interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// StaticDriver serves the same still image on every read. It backs demos,
// the CLI's file-based camera and tests.
type StaticDriver struct {
	Image image.Image

	mu     sync.Mutex
	opened int
}

// NewStaticDriverFromFile loads the frame served by the driver from disk.
func NewStaticDriverFromFile(path string) (*StaticDriver, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied frame source
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return &StaticDriver{Image: img}, nil
}

// Open implements Driver.
func (d *StaticDriver) Open(ctx context.Context, device string, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Image == nil {
		return nil, ErrUnsupported
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &staticStream{img: d.Image}, nil
}

// Opened reports how many streams the driver has handed out.
func (d *StaticDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

type staticStream struct {
	img    image.Image
	closed bool
	mu     sync.Mutex
}

func (s *staticStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDeviceUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.img, nil
}

func (s *staticStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
