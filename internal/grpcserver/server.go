// Package grpcserver exposes verification over gRPC. Messages are
// google.protobuf.Struct values so no generated code is needed.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/usecase"
)

const (
	ServiceName   = "attendance.v1.Verifier"
	VerifyMethod  = "/" + ServiceName + "/Verify"
	authorization = "authorization"
)

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, subjectID, classID string, cfg capture.Config) *usecase.Outcome
}

// VerifierServer is the server API for attendance.v1.Verifier.
type VerifierServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes attendance.v1.Verifier for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Verify",
			Handler:    verifyHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attendance/v1/verifier.proto",
}

func verifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: VerifyMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerifierServer).Verify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements VerifierServer on top of the verification use case.
type Server struct {
	verifier Verifier
	defaults capture.Config
	secret   string
	audience string
	logger   *zap.Logger
}

// New returns a Server that authenticates callers with the same JWT secret
// as the HTTP API.
func New(verifier Verifier, defaults capture.Config, secret, audience string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		verifier: verifier,
		defaults: defaults,
		secret:   secret,
		audience: audience,
		logger:   logger.Named("grpc"),
	}
}

// Register attaches the service to s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Verify expects {"class_id", "subject_id"?, "capture"?: {...}}. The subject
// comes from the bearer token; only admins may verify on behalf of another
// subject. Accepted and rejected outcomes are returned as responses, every
// other outcome as a status error.
func (s *Server) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	claims, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	subjectID := claims.Subject
	if requested := strings.TrimSpace(fields["subject_id"].GetStringValue()); requested != "" && requested != subjectID {
		if claims.Role != auth.RoleAdmin {
			return nil, status.Error(codes.PermissionDenied, "cannot verify another subject")
		}
		subjectID = requested
	}
	cfg := captureFromStruct(s.defaults, fields["capture"].GetStructValue())

	outcome := s.verifier.Verify(ctx, subjectID, fields["class_id"].GetStringValue(), cfg)
	switch outcome.Kind {
	case usecase.OutcomeAccepted, usecase.OutcomeRejected:
		return outcomeStruct(outcome)
	default:
		s.logger.Debug("verification failed",
			zap.String("request_id", outcome.RequestID),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(outcome.Err),
		)
		return nil, status.Error(CodeForError(outcome.Err), outcome.Reason)
	}
}

func (s *Server) authenticate(ctx context.Context) (*auth.Claims, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorization)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "authorization metadata required")
	}
	token, err := auth.ExtractBearerToken(values[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := auth.ParseToken(s.secret, s.audience, token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return claims, nil
}

// CodeForError maps verification errors to gRPC codes.
func CodeForError(err error) codes.Code {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest), errors.Is(err, capture.ErrInvalidConfig):
		return codes.InvalidArgument
	case errors.Is(err, usecase.ErrProfileNotFound):
		return codes.NotFound
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return codes.Unavailable
	case errors.Is(err, capture.ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, capture.ErrUnsupported):
		return codes.Unimplemented
	case errors.Is(err, capture.ErrCaptureFailed), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, repository.ErrDuplicateAttendance):
		return codes.AlreadyExists
	case errors.Is(err, usecase.ErrCommitFailed):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func captureFromStruct(base capture.Config, in *structpb.Struct) capture.Config {
	if in == nil {
		return base
	}
	f := in.GetFields()
	if v := f["facing"].GetStringValue(); v != "" {
		base.Facing = capture.Facing(v)
	}
	if v := int(f["width"].GetNumberValue()); v > 0 {
		base.Width = v
	}
	if v := int(f["height"].GetNumberValue()); v > 0 {
		base.Height = v
	}
	if v := f["quality"].GetNumberValue(); v != 0 {
		base.Quality = v
	}
	return base
}

func outcomeStruct(o *usecase.Outcome) (*structpb.Struct, error) {
	out := map[string]interface{}{
		"request_id": o.RequestID,
		"outcome":    string(o.Kind),
		"threshold":  o.Threshold,
		"scored":     o.Scored,
	}
	if o.Scored {
		out["score"] = o.Score
	}
	if o.Kind == usecase.OutcomeAccepted {
		out["recorded_at"] = o.RecordedAt.UTC().Format(time.RFC3339)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}
