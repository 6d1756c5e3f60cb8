package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/blobstore"
	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/progress"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/usecase"
)

// MaxUploadSize bounds reference image uploads.
const MaxUploadSize = 8 << 20

// Verifier is the verification use case as seen by the HTTP layer.
type Verifier interface {
	Verify(ctx context.Context, subjectID, classID string, cfg capture.Config) *usecase.Outcome
	GetResult(ctx context.Context, subjectID, requestID string) (*repository.VerificationLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	GetDuplicateReport(ctx context.Context, requestID string) (*usecase.DuplicateReport, error)
}

// Profiles registers and lists subjects.
type Profiles interface {
	RegisterReference(ctx context.Context, subjectID, name string, img *imaging.Image, stream *progress.Stream) (blobstore.Reference, error)
	List(ctx context.Context) ([]repository.SubjectProfile, error)
	Names(ctx context.Context, subjectIDs []string) (map[string]string, error)
}

// AttendanceReader lists stored attendance records.
type AttendanceReader interface {
	ListAttendance(ctx context.Context, filter repository.AttendanceFilter) ([]repository.AttendanceRecord, error)
}

// HealthCheck reports a dependency's reachability.
type HealthCheck func(ctx context.Context) error

// Services bundles the handler dependencies.
type Services struct {
	Verifier   Verifier
	Profiles   Profiles
	Attendance AttendanceReader
	Uploads    *UploadTracker
	// Capture is the default capture configuration for POST /verify.
	Capture capture.Config
	Health  map[string]HealthCheck
	Logger  *zap.Logger
}

type verifyRequest struct {
	ClassID string          `json:"class_id"`
	Capture *capture.Config `json:"capture,omitempty"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Services, authMiddleware gin.HandlerFunc) {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Uploads == nil {
		svc.Uploads = NewUploadTracker(0)
	}
	h := &handler{svc: svc, logger: svc.Logger.Named("http")}

	router.GET("/health", h.health)

	authed := router.Group("/", authMiddleware)
	authed.POST("/verify", h.verify)
	authed.GET("/result/:id", h.result)
	authed.GET("/attendance", h.listAttendance)

	admin := authed.Group("/", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/attendance/export", h.exportAttendance)
	admin.GET("/metrics/summary", h.metricsSummary)
	admin.GET("/admin/verifications/:id/duplicates", h.duplicates)
	admin.GET("/admin/subjects", h.listSubjects)
	admin.POST("/admin/subjects/:id/reference", h.registerReference)
	admin.GET("/admin/uploads/:id", h.uploadStatus)
	admin.GET("/admin/uploads/:id/progress", h.uploadProgress)
}

type handler struct {
	svc    Services
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK
	for name, check := range h.svc.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (h *handler) verify(c *gin.Context) {
	subjectID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cfg := h.svc.Capture
	if req.Capture != nil {
		cfg = mergeCapture(cfg, *req.Capture)
	}

	outcome := h.svc.Verifier.Verify(c.Request.Context(), subjectID, req.ClassID, cfg)
	c.JSON(statusForOutcome(outcome), outcomeBody(outcome))
}

// mergeCapture applies the non-zero fields of override onto base.
func mergeCapture(base, override capture.Config) capture.Config {
	if override.Facing != "" {
		base.Facing = override.Facing
	}
	if override.Width > 0 {
		base.Width = override.Width
	}
	if override.Height > 0 {
		base.Height = override.Height
	}
	if override.Quality != 0 {
		base.Quality = override.Quality
	}
	return base
}

func outcomeBody(o *usecase.Outcome) gin.H {
	body := gin.H{
		"request_id": o.RequestID,
		"outcome":    o.Kind,
		"threshold":  o.Threshold,
	}
	if o.Scored {
		body["score"] = o.Score
	}
	if o.Kind == usecase.OutcomeAccepted {
		body["recorded_at"] = o.RecordedAt
	}
	if o.CaptureHash != "" {
		body["sha1_hash"] = o.CaptureHash
	}
	if o.Err != nil {
		body["error"] = errorCode(o.Err)
		body["stage"] = o.Stage.String()
		body["reason"] = o.Reason
	}
	return body
}

func (h *handler) result(c *gin.Context) {
	subjectID, _ := auth.GetUserID(c.Request.Context())
	requestID := strings.TrimSpace(c.Param("id"))
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := h.svc.Verifier.GetResult(c.Request.Context(), subjectID, requestID)
	switch {
	case errors.Is(err, usecase.ErrResultPending):
		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "processing"})
		return
	case err != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":  log.RequestID,
		"subject_id":  log.SubjectID,
		"class_id":    log.ClassID,
		"outcome":     log.Outcome,
		"score":       log.Score,
		"reason":      log.Reason,
		"duration_ms": log.DurationMs,
		"sha1_hash":   log.CaptureHash,
		"created_at":  log.CreatedAt,
	})
}

func (h *handler) duplicates(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("id"))
	report, err := h.svc.Verifier.GetDuplicateReport(c.Request.Context(), requestID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "verification not found"})
		return
	case err != nil:
		h.logger.Error("duplicate report failed", append(logging.ErrorFields(err), zap.String("request_id", requestID))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "duplicate report unavailable"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.Verifier.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
