package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/imaging"
)

// Controller hands out capture sessions, at most one active per device.
type Controller struct {
	driver       Driver
	devices      map[Facing]string
	frameTimeout time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	held map[string]*Session
}

// Option customises a Controller.
type Option func(*Controller)

// WithFrameTimeout bounds the wait for a single frame.
func WithFrameTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.frameTimeout = d
		}
	}
}

// WithDevices maps camera facings onto device paths.
func WithDevices(devices map[Facing]string) Option {
	return func(c *Controller) {
		for facing, path := range devices {
			if path != "" {
				c.devices[facing] = path
			}
		}
	}
}

// NewController builds a controller over driver. A nil driver yields a
// controller whose acquisitions fail with ErrUnsupported.
func NewController(driver Driver, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		driver: driver,
		devices: map[Facing]string{
			FacingFront: "/dev/video0",
			FacingBack:  "/dev/video1",
		},
		frameTimeout: DefaultFrameTimeout,
		logger:       logger.Named("capture"),
		held:         make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire binds a device exclusively for cfg. On failure nothing stays held.
func (c *Controller) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{id: uuid.NewString(), cfg: cfg, ctrl: c, state: StateIdle}
	logger := c.logger.With(zap.String("session_id", s.id))

	if err := cfg.Validate(); err != nil {
		s.state, s.reason = StateFailed, err
		return nil, err
	}
	if c.driver == nil {
		s.state, s.reason = StateFailed, ErrUnsupported
		return nil, ErrUnsupported
	}

	s.device = c.resolve(cfg)
	c.mu.Lock()
	if holder, ok := c.held[s.device]; ok {
		c.mu.Unlock()
		s.state, s.reason = StateFailed, ErrDeviceUnavailable
		logger.Warn("device already held", zap.String("device", s.device), zap.String("holder", holder.id))
		return nil, fmt.Errorf("%w: %s is held by another session", ErrDeviceUnavailable, s.device)
	}
	c.held[s.device] = s
	s.state = StateRequesting
	c.mu.Unlock()

	stream, err := c.driver.Open(ctx, s.device, cfg)
	if err == nil && ctx.Err() != nil {
		_ = stream.Close()
		err = ctx.Err()
	}
	if err != nil {
		err = classifyOpenError(err)
		s.mu.Lock()
		s.failLocked(err)
		s.mu.Unlock()
		logger.Warn("device acquisition failed", zap.String("device", s.device), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	s.stream = stream
	s.state = StateActive
	s.mu.Unlock()
	logger.Debug("device acquired", zap.String("device", s.device), zap.String("facing", string(cfg.Facing)))
	return s, nil
}

// WithSession acquires a session, runs fn, and releases the session on every
// path out of fn.
func (c *Controller) WithSession(ctx context.Context, cfg Config, fn func(*Session) error) error {
	s, err := c.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Held reports whether a session currently holds device.
func (c *Controller) Held(device string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[device]
	return ok
}

// HeldCount returns the number of devices currently bound.
func (c *Controller) HeldCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

func (c *Controller) resolve(cfg Config) string {
	if cfg.Device != "" {
		return cfg.Device
	}
	return c.devices[cfg.Facing]
}

func (c *Controller) free(device string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[device] == s {
		delete(c.held, device)
	}
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}

// Session is a live, exclusive binding to one device.
type Session struct {
	id     string
	cfg    Config
	device string
	ctrl   *Controller

	mu     sync.Mutex
	state  State
	reason error
	stream Stream
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was acquired with.
func (s *Session) Config() Config { return s.cfg }

// Device returns the bound device path.
func (s *Session) Device() string { return s.device }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session failed, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Capture reads exactly one frame and returns it at the configured resolution,
// carrying its JPEG encoding at the configured quality. A missing frame leaves
// the session active so the caller may try again.
func (s *Session) Capture(ctx context.Context) (*imaging.Image, error) {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrSessionState, state)
	}
	s.state = StateCapturing
	stream := s.stream
	s.mu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, s.ctrl.frameTimeout)
	frame, err := stream.ReadFrame(readCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Released while the read was in flight: the stream is ours to close.
	if s.state == StateStopped {
		s.closeLocked()
		return nil, fmt.Errorf("%w: released during capture", ErrSessionState)
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.state = StateActive
			return nil, fmt.Errorf("capture interrupted: %w", ctx.Err())
		case errors.Is(err, ErrNoFrame), errors.Is(err, context.DeadlineExceeded):
			s.state = StateActive
			return nil, fmt.Errorf("%w: no frame within %s", ErrCaptureFailed, s.ctrl.frameTimeout)
		default:
			err = classifyOpenError(err)
			s.failLocked(err)
			s.ctrl.logger.Warn("stream failed during capture", zap.String("session_id", s.id), zap.Error(err))
			return nil, err
		}
	}

	img, err := s.render(frame)
	s.state = StateActive
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return img, nil
}

func (s *Session) render(frame image.Image) (*imaging.Image, error) {
	img, err := imaging.FromImage(frame)
	if err != nil {
		return nil, err
	}
	img, err = img.Resize(s.cfg.Width, s.cfg.Height)
	if err != nil {
		return nil, err
	}
	return img.EncodeJPEG(s.cfg.Quality)
}

// Release frees the device. It is safe to call any number of times and from
// any state. Called while a frame read is in flight, it marks the session
// stopped but the device stays held until that read returns, which the frame
// timeout bounds; Acquire on the same device reports ErrDeviceUnavailable
// until then.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped, StateFailed:
		return
	case StateCapturing:
		// Capture closes the stream when the in-flight read returns.
		s.state = StateStopped
		return
	}
	s.state = StateStopped
	s.closeLocked()
	s.ctrl.logger.Debug("device released", zap.String("session_id", s.id), zap.String("device", s.device))
}

func (s *Session) failLocked(err error) {
	s.state = StateFailed
	s.reason = err
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.ctrl.logger.Warn("failed to close stream", zap.String("session_id", s.id), zap.Error(err))
		}
		s.stream = nil
	}
	s.ctrl.free(s.device, s)
}
