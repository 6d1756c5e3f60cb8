package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/upload"
	"github.com/example/face-attendance/internal/usecase"
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{usecase.ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{capture.ErrInvalidConfig, "invalid_capture_config", http.StatusBadRequest},
	{usecase.ErrProfileNotFound, "profile_not_found", http.StatusNotFound},
	{capture.ErrDeviceUnavailable, "device_unavailable", http.StatusConflict},
	{capture.ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{capture.ErrUnsupported, "unsupported", http.StatusNotImplemented},
	{capture.ErrCaptureFailed, "capture_failed", http.StatusGatewayTimeout},
	{repository.ErrDuplicateAttendance, "already_recorded", http.StatusConflict},
	{usecase.ErrCommitFailed, "commit_failed", http.StatusBadGateway},
	{upload.ErrUploadFailed, "upload_failed", http.StatusBadGateway},
	{context.DeadlineExceeded, "timeout", http.StatusGatewayTimeout},
	{context.Canceled, "cancelled", http.StatusServiceUnavailable},
}

func errorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

func statusForError(err error) int {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// statusForOutcome maps a verification outcome to an HTTP status. Accepted
// and rejected are both successful requests.
func statusForOutcome(o *usecase.Outcome) int {
	switch o.Kind {
	case usecase.OutcomeAccepted, usecase.OutcomeRejected:
		return http.StatusOK
	default:
		return statusForError(o.Err)
	}
}
