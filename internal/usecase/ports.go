package usecase

import (
	"context"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/repository"
)

// CaptureSession is one exclusive camera binding.
type CaptureSession interface {
	Capture(ctx context.Context) (*imaging.Image, error)
	Release()
}

// CaptureController hands out capture sessions.
type CaptureController interface {
	Acquire(ctx context.Context, cfg capture.Config) (CaptureSession, error)
}

// ProfileStore resolves a subject's registered reference image. It returns
// ErrProfileNotFound when the subject has none.
type ProfileStore interface {
	GetReferenceImage(ctx context.Context, subjectID string) (*imaging.Image, error)
}

// AttendanceStore persists accepted claims.
type AttendanceStore interface {
	Commit(ctx context.Context, claim AttendanceClaim) error
}

// VerificationRepository defines the verification log operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndSubject(ctx context.Context, requestID, subjectID string) (*repository.VerificationLog, error)
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

type cameraController struct {
	ctrl *capture.Controller
}

// NewCameraController adapts a capture.Controller.
func NewCameraController(ctrl *capture.Controller) CaptureController {
	return cameraController{ctrl: ctrl}
}

func (c cameraController) Acquire(ctx context.Context, cfg capture.Config) (CaptureSession, error) {
	s, err := c.ctrl.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AttendanceRecorder is the repository write used by NewAttendanceStore.
type AttendanceRecorder interface {
	CreateAttendance(ctx context.Context, rec *repository.AttendanceRecord) error
}

type repositoryAttendanceStore struct {
	repo AttendanceRecorder
}

// NewAttendanceStore commits claims as repository attendance records.
func NewAttendanceStore(repo AttendanceRecorder) AttendanceStore {
	return repositoryAttendanceStore{repo: repo}
}

func (s repositoryAttendanceStore) Commit(ctx context.Context, claim AttendanceClaim) error {
	return s.repo.CreateAttendance(ctx, &repository.AttendanceRecord{
		SubjectID:  claim.SubjectID,
		ClassID:    claim.ClassID,
		RequestID:  claim.RequestID,
		Score:      claim.Score,
		RecordedAt: claim.CapturedAt,
	})
}
