package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/grpcserver"
	"github.com/example/face-attendance/internal/logging"
)

// Result is a successful remote verification (accepted or rejected).
type Result struct {
	RequestID  string
	Outcome    string
	Score      float64
	Scored     bool
	Threshold  float64
	RecordedAt string
}

// Request selects what to verify. SubjectID is only honoured for admin tokens.
type Request struct {
	ClassID   string
	SubjectID string
	Capture   *capture.Config
}

// Client calls attendance.v1.Verifier on a remote kiosk service.
type Client struct {
	conn   grpc.ClientConnInterface
	token  string
	logger *zap.Logger
}

// Dial returns a ready-to-use client for the verification service.
func Dial(ctx context.Context, addr, token string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_verifier", "", err)
		logger.Error("failed to dial verifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, token, logger), conn, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, token: token, logger: logger}
}

// Verify runs a verification remotely. Failed outcomes come back as gRPC
// status errors; use status.Code to classify them.
func (c *Client) Verify(ctx context.Context, req Request) (*Result, error) {
	fields := map[string]interface{}{"class_id": req.ClassID}
	if req.SubjectID != "" {
		fields["subject_id"] = req.SubjectID
	}
	if req.Capture != nil {
		fields["capture"] = map[string]interface{}{
			"facing":  string(req.Capture.Facing),
			"width":   req.Capture.Width,
			"height":  req.Capture.Height,
			"quality": req.Capture.Quality,
		}
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcserver.VerifyMethod, in, out); err != nil {
		c.logger.Debug("remote verification failed",
			zap.Error(logging.NewOperationError("grpcclient.verify", "", err)),
			zap.String("class_id", req.ClassID),
		)
		return nil, err
	}

	f := out.GetFields()
	return &Result{
		RequestID:  f["request_id"].GetStringValue(),
		Outcome:    f["outcome"].GetStringValue(),
		Score:      f["score"].GetNumberValue(),
		Scored:     f["scored"].GetBoolValue(),
		Threshold:  f["threshold"].GetNumberValue(),
		RecordedAt: f["recorded_at"].GetStringValue(),
	}, nil
}
