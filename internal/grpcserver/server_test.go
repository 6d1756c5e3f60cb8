package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/usecase"
)

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{usecase.ErrInvalidRequest, codes.InvalidArgument},
		{usecase.ErrProfileNotFound, codes.NotFound},
		{capture.ErrDeviceUnavailable, codes.Unavailable},
		{capture.ErrPermissionDenied, codes.PermissionDenied},
		{capture.ErrUnsupported, codes.Unimplemented},
		{capture.ErrCaptureFailed, codes.DeadlineExceeded},
		{fmt.Errorf("%w: %w", usecase.ErrCommitFailed, repository.ErrDuplicateAttendance), codes.AlreadyExists},
		{fmt.Errorf("%w: %w", usecase.ErrCommitFailed, errors.New("db")), codes.Aborted},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := CodeForError(tc.err); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestCaptureFromStructKeepsDefaults(t *testing.T) {
	override, err := structpb.NewStruct(map[string]interface{}{"height": 240})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	cfg := captureFromStruct(capture.DefaultConfig(), override)
	if cfg.Facing != capture.FacingFront || cfg.Width != 640 || cfg.Height != 240 || cfg.Quality != 0.95 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if got := captureFromStruct(capture.DefaultConfig(), nil); got != capture.DefaultConfig() {
		t.Fatalf("nil override changed defaults: %+v", got)
	}
}

func TestVerifyWithoutMetadataIsUnauthenticated(t *testing.T) {
	s := New(nil, capture.DefaultConfig(), "secret", "", nil)
	req, _ := structpb.NewStruct(map[string]interface{}{"class_id": "math"})
	if _, err := s.Verify(context.Background(), req); err == nil {
		t.Fatal("expected error without authorization metadata")
	}
}
