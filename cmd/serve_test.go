package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/grpcclient"
	"github.com/example/face-attendance/internal/grpcserver"
	"github.com/example/face-attendance/internal/usecase"
)

// gatedVerifier holds every Verify call until release is closed.
type gatedVerifier struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedVerifier) Verify(ctx context.Context, subjectID, classID string, cfg capture.Config) *usecase.Outcome {
	close(g.started)
	<-g.release
	return &usecase.Outcome{RequestID: "grpc-req", Kind: usecase.OutcomeAccepted, Score: 1, Scored: true}
}

func TestServeDrainsHTTPAndGRPCOnSignal(t *testing.T) {
	const secret = "drain-secret"
	release := make(chan struct{})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	httpStarted := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/attendance/export", func(w http.ResponseWriter, r *http.Request) {
		close(httpStarted)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("http listener: %v", err)
	}

	verifier := &gatedVerifier{started: make(chan struct{}), release: release}
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("grpc listener: %v", err)
	}
	grpcSrv := grpc.NewServer()
	grpcserver.New(verifier, capture.DefaultConfig(), secret, "", zap.NewNop()).Register(grpcSrv)
	go func() { _ = grpcSrv.Serve(grpcListener) }()
	defer grpcSrv.Stop()

	var notified atomic.Int32
	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(&http.Server{Handler: mux}, 2*time.Second, zap.NewNop(), httpListener, signalCh,
			func() { notified.Add(1) },
			grpcSrv.GracefulStop,
		)
	}()
	waitForServer(t, httpListener.Addr().String())

	httpStatus := make(chan int, 1)
	go func() {
		resp, err := (&http.Client{Timeout: 3 * time.Second}).Get("http://" + httpListener.Addr().String() + "/attendance/export")
		if err != nil {
			httpStatus <- 0
			return
		}
		resp.Body.Close()
		httpStatus <- resp.StatusCode
	}()

	token, err := auth.IssueToken(secret, "alice", auth.RoleUser, "", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, conn, err := grpcclient.Dial(ctx, grpcListener.Addr().String(), token, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	rpcErr := make(chan error, 1)
	go func() {
		_, err := client.Verify(ctx, grpcclient.Request{ClassID: "math"})
		rpcErr <- err
	}()

	for _, started := range []chan struct{}{httpStarted, verifier.started} {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight requests did not start")
		}
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("server returned before in-flight work drained: %v", err)
	default:
	}
	close(release)

	if code := <-httpStatus; code != http.StatusOK {
		t.Fatalf("in-flight HTTP request not completed, status %d", code)
	}
	if err := <-rpcErr; err != nil {
		t.Fatalf("in-flight RPC not completed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unclean shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
	if notified.Load() != 1 {
		t.Fatalf("expected the stopping hook to run once, ran %d times", notified.Load())
	}
	if _, err := client.Verify(context.Background(), grpcclient.Request{ClassID: "math"}); err == nil {
		t.Fatal("gRPC must refuse calls after graceful stop")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestServeReturnsListenerErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	ran := false
	err = serveHTTPServerWithOptions(&http.Server{Handler: http.NewServeMux()}, time.Second, zap.NewNop(), listener, make(chan os.Signal), func() { ran = true })
	if err == nil {
		t.Fatal("expected error from a closed listener")
	}
	if ran {
		t.Fatal("shutdown hooks are for signals only")
	}
}
