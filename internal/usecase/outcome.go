package usecase

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest is returned for an empty subject or class id.
	ErrInvalidRequest = errors.New("invalid verification request")
	// ErrProfileNotFound means the subject has no registered reference image.
	ErrProfileNotFound = errors.New("reference profile not found")
	// ErrCommitFailed wraps attendance store failures after a positive match.
	ErrCommitFailed = errors.New("attendance commit failed")
	// ErrResultPending is returned by GetResult while a verification is running.
	ErrResultPending = errors.New("verification still in progress")
)

// Stage is a step of the verification pipeline.
type Stage int

const (
	StageReady Stage = iota
	StageAcquiringDevice
	StageAwaitingCapture
	StageFetchingReference
	StageScoring
	StageDeciding
	StageCommitting
	StageRejected
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReady:
		return "ready"
	case StageAcquiringDevice:
		return "acquiring_device"
	case StageAwaitingCapture:
		return "awaiting_capture"
	case StageFetchingReference:
		return "fetching_reference"
	case StageScoring:
		return "scoring"
	case StageDeciding:
		return "deciding"
	case StageCommitting:
		return "committing"
	case StageRejected:
		return "rejected"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutcomeKind is the exhaustive set of verification results.
type OutcomeKind string

const (
	OutcomeAccepted     OutcomeKind = "accepted"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeCommitFailed OutcomeKind = "commit_failed"
)

// Outcome is what one Verify call produced. Score is meaningful only when
// Scored is true; RecordedAt only for OutcomeAccepted.
type Outcome struct {
	RequestID  string      `json:"request_id"`
	Kind       OutcomeKind `json:"outcome"`
	Score      float64     `json:"score"`
	Threshold  float64     `json:"threshold"`
	Scored     bool        `json:"scored"`
	RecordedAt time.Time   `json:"recorded_at,omitempty"`
	// CaptureHash identifies the captured frame's bytes; empty before capture.
	CaptureHash string `json:"capture_hash,omitempty"`
	// Stage is where the pipeline stopped; for failures, the stage that failed.
	Stage  Stage  `json:"-"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Accepted reports whether attendance was committed.
func (o *Outcome) Accepted() bool { return o != nil && o.Kind == OutcomeAccepted }

// AttendanceClaim is built only after a positive match.
type AttendanceClaim struct {
	RequestID  string
	SubjectID  string
	ClassID    string
	CapturedAt time.Time
	Score      float64
}
