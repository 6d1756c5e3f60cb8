package grpcclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/grpcserver"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/usecase"
)

const testSecret = "grpc-secret"

type stubVerifier struct {
	mu       sync.Mutex
	outcome  *usecase.Outcome
	subjects []string
	configs  []capture.Config
}

func (s *stubVerifier) Verify(ctx context.Context, subjectID, classID string, cfg capture.Config) *usecase.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subjectID)
	s.configs = append(s.configs, cfg)
	return s.outcome
}

func startServer(t *testing.T, verifier *stubVerifier) *bufconn.Listener {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	grpcserver.New(verifier, capture.DefaultConfig(), testSecret, "", zap.NewNop()).Register(srv)
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)
	return listener
}

func dialClient(t *testing.T, listener *bufconn.Listener, subject, role string) *Client {
	t.Helper()
	token, err := auth.IssueToken(testSecret, subject, role, "", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, conn, err := Dial(ctx, "bufnet", token, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestVerifyRoundTrip(t *testing.T) {
	recorded := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	verifier := &stubVerifier{outcome: &usecase.Outcome{
		RequestID:  "req-1",
		Kind:       usecase.OutcomeAccepted,
		Score:      0.92,
		Scored:     true,
		Threshold:  0.7,
		RecordedAt: recorded,
	}}
	client := dialClient(t, startServer(t, verifier), "alice", auth.RoleUser)

	res, err := client.Verify(context.Background(), Request{
		ClassID: "math",
		Capture: &capture.Config{Facing: capture.FacingBack, Width: 320},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.RequestID != "req-1" || res.Outcome != "accepted" || res.Score != 0.92 || !res.Scored || res.Threshold != 0.7 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.RecordedAt != recorded.Format(time.RFC3339) {
		t.Fatalf("unexpected recorded_at %q", res.RecordedAt)
	}
	if verifier.subjects[0] != "alice" {
		t.Fatalf("subject must come from the token, got %s", verifier.subjects[0])
	}
	if cfg := verifier.configs[0]; cfg.Facing != capture.FacingBack || cfg.Width != 320 || cfg.Height != 480 {
		t.Fatalf("capture override not merged: %+v", cfg)
	}
}

func TestVerifyFailuresBecomeStatusCodes(t *testing.T) {
	verifier := &stubVerifier{outcome: &usecase.Outcome{
		Kind:   usecase.OutcomeFailed,
		Err:    logging.NewOperationError("usecase.verify", "req-2", capture.ErrDeviceUnavailable),
		Reason: "camera device unavailable",
	}}
	client := dialClient(t, startServer(t, verifier), "alice", auth.RoleUser)

	_, err := client.Verify(context.Background(), Request{ClassID: "math"})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestOnlyAdminsVerifyOtherSubjects(t *testing.T) {
	verifier := &stubVerifier{outcome: &usecase.Outcome{Kind: usecase.OutcomeRejected, Scored: true, Score: 0.2}}
	listener := startServer(t, verifier)

	user := dialClient(t, listener, "alice", auth.RoleUser)
	if _, err := user.Verify(context.Background(), Request{ClassID: "math", SubjectID: "bob"}); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	admin := dialClient(t, listener, "kiosk", auth.RoleAdmin)
	res, err := admin.Verify(context.Background(), Request{ClassID: "math", SubjectID: "bob"})
	if err != nil {
		t.Fatalf("admin verify: %v", err)
	}
	if res.Outcome != "rejected" || verifier.subjects[0] != "bob" {
		t.Fatalf("unexpected result %+v subjects %v", res, verifier.subjects)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	verifier := &stubVerifier{outcome: &usecase.Outcome{Kind: usecase.OutcomeAccepted}}
	client := dialClient(t, startServer(t, verifier), "alice", auth.RoleUser)
	client.token = "garbage"

	if _, err := client.Verify(context.Background(), Request{ClassID: "math"}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if len(verifier.subjects) != 0 {
		t.Fatal("verifier reached without a valid token")
	}
}
