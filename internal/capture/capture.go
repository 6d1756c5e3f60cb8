// Package capture owns the camera lifecycle: exclusive acquisition of a
// device, single-frame capture, and guaranteed release.
package capture

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported means no camera capability is available on this platform.
	ErrUnsupported = errors.New("camera capture unsupported")
	// ErrPermissionDenied means access to the device was refused.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable means the device is busy, disconnected or already held.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrCaptureFailed means no frame arrived within the bounded wait.
	ErrCaptureFailed = errors.New("camera capture failed")
	// ErrSessionState is returned when an operation is not valid in the session's state.
	ErrSessionState = errors.New("capture session not active")
	// ErrInvalidConfig is returned for malformed capture configuration.
	ErrInvalidConfig = errors.New("invalid capture config")
)

// Facing selects which camera to use.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Config is supplied once per session and never mutated afterwards.
type Config struct {
	Facing  Facing  `json:"facing" yaml:"facing"`
	Width   int     `json:"width" yaml:"width"`
	Height  int     `json:"height" yaml:"height"`
	Quality float64 `json:"quality" yaml:"quality"`
	// Device overrides the facing-to-device mapping when set.
	Device string `json:"device,omitempty" yaml:"device"`
}

// DefaultConfig mirrors the kiosk client: user-facing camera, 640x480, JPEG 0.95.
func DefaultConfig() Config {
	return Config{Facing: FacingFront, Width: 640, Height: 480, Quality: 0.95}
}

// Validate reports whether the configuration can be used for acquisition.
func (c Config) Validate() error {
	if c.Facing != FacingFront && c.Facing != FacingBack {
		return fmt.Errorf("%w: unknown facing %q", ErrInvalidConfig, c.Facing)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Quality < 0 || c.Quality > 1 {
		return fmt.Errorf("%w: quality %v outside [0,1]", ErrInvalidConfig, c.Quality)
	}
	return nil
}

// State is a session's position in the capture lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateActive
	StateCapturing
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateActive:
		return "active"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// DefaultFrameTimeout bounds how long Capture waits for a frame.
const DefaultFrameTimeout = 5 * time.Second
