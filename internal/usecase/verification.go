package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/retry"
	"github.com/example/face-attendance/internal/scoring"
)

const (
	processingTTL = time.Minute
	resultTTL     = 5 * time.Minute
	// bookkeepingTimeout bounds log and cache writes after the pipeline ends.
	bookkeepingTimeout = 5 * time.Second
)

// Dependencies wires a VerificationUseCase. Repo and Cache may be nil, in
// which case outcomes are neither logged nor cached.
type Dependencies struct {
	Camera     CaptureController
	Profiles   ProfileStore
	Attendance AttendanceStore
	Scorer     *scoring.Scorer
	Repo       VerificationRepository
	Cache      Cache
}

// VerificationUseCase runs the capture, reference, score, decide and commit
// pipeline. Each Verify call is one independent transaction; nothing is
// retried automatically.
type VerificationUseCase struct {
	camera     CaptureController
	profiles   ProfileStore
	attendance AttendanceStore
	scorer     *scoring.Scorer
	repo       VerificationRepository
	cache      Cache
	logger     *zap.Logger
	now        func() time.Time
	retry      retry.Policy
}

type cachedVerification struct {
	RequestID  string    `json:"request_id"`
	SubjectID  string    `json:"subject_id"`
	ClassID    string    `json:"class_id"`
	Outcome    string    `json:"outcome"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	DurationMs int64     `json:"duration_ms"`
	Hash       string    `json:"sha1_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DuplicateReport lists earlier attempts that submitted a byte-identical
// frame. A live camera never repeats a frame exactly, so any entry points to a
// replayed image.
type DuplicateReport struct {
	RequestID   string                        `json:"request_id"`
	SubjectID   string                        `json:"subject_id"`
	CaptureHash string                        `json:"capture_hash"`
	Duplicates  []*repository.VerificationLog `json:"duplicates"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(deps Dependencies, logger *zap.Logger) *VerificationUseCase {
	scorer := deps.Scorer
	if scorer == nil {
		scorer = scoring.New(scoring.DefaultGridSize, scoring.DefaultThreshold)
	}
	return &VerificationUseCase{
		camera:     deps.Camera,
		profiles:   deps.Profiles,
		attendance: deps.Attendance,
		scorer:     scorer,
		repo:       deps.Repo,
		cache:      deps.Cache,
		logger:     logger.Named("verification_usecase"),
		now:        func() time.Time { return time.Now().UTC() },
		retry:      retry.Default,
	}
}

// Threshold returns the acceptance threshold in use.
func (uc *VerificationUseCase) Threshold() float64 { return uc.scorer.Threshold() }

// Verify captures one frame for subjectID, compares it with the subject's
// reference image and, on a match, commits attendance for classID. It never
// returns nil. The capture session is released before Verify returns.
func (uc *VerificationUseCase) Verify(ctx context.Context, subjectID, classID string, cfg capture.Config) *Outcome {
	requestID := uuid.NewString()
	started := time.Now()
	subjectID = strings.TrimSpace(subjectID)
	classID = strings.TrimSpace(classID)
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).
		With(zap.String("subject_id", subjectID), zap.String("class_id", classID))

	uc.markProcessing(ctx, requestID, opLogger)

	outcome := uc.run(ctx, requestID, subjectID, classID, cfg, opLogger)
	outcome.RequestID = requestID
	outcome.Threshold = uc.scorer.Threshold()
	if outcome.Err != nil {
		outcome.Reason = outcome.Err.Error()
	}

	fields := []zap.Field{
		zap.String("outcome", string(outcome.Kind)),
		zap.Stringer("stage", outcome.Stage),
		zap.Float64("score", outcome.Score),
	}
	if outcome.Err != nil {
		fields = append(fields, logging.ErrorFields(outcome.Err)...)
	}
	opLogger.Info("verification finished", fields...)
	uc.record(ctx, subjectID, classID, outcome, time.Since(started), opLogger)
	return outcome
}

func (uc *VerificationUseCase) run(ctx context.Context, requestID, subjectID, classID string, cfg capture.Config, opLogger *zap.Logger) (out *Outcome) {
	var frameHash string
	defer func() { out.CaptureHash = frameHash }()

	if subjectID == "" || classID == "" {
		return uc.failed(StageReady, requestID, "usecase.validate", fmt.Errorf("%w: subject and class are required", ErrInvalidRequest))
	}
	if err := ctx.Err(); err != nil {
		return uc.failed(StageReady, requestID, "usecase.validate", err)
	}
	if uc.camera == nil {
		return uc.failed(StageAcquiringDevice, requestID, "usecase.acquire_device", capture.ErrUnsupported)
	}

	opLogger.Debug("stage", zap.Stringer("stage", StageAcquiringDevice))
	session, err := uc.camera.Acquire(ctx, cfg)
	if err != nil {
		return uc.failed(StageAcquiringDevice, requestID, "usecase.acquire_device", err)
	}
	defer session.Release()

	opLogger.Debug("stage", zap.Stringer("stage", StageAwaitingCapture))
	frame, err := session.Capture(ctx)
	// The device is not needed past this point.
	session.Release()
	if err != nil {
		return uc.failed(StageAwaitingCapture, requestID, "usecase.capture", err)
	}
	capturedAt := uc.now()
	frameHash = captureHash(frame)

	opLogger.Debug("stage", zap.Stringer("stage", StageFetchingReference))
	reference, err := uc.profiles.GetReferenceImage(ctx, subjectID)
	if err != nil {
		return uc.failed(StageFetchingReference, requestID, "usecase.fetch_reference", err)
	}

	opLogger.Debug("stage", zap.Stringer("stage", StageScoring))
	res := <-uc.scorer.MatchAsync(ctx, frame, reference)
	if res.Err != nil {
		return uc.failed(StageScoring, requestID, "usecase.score", res.Err)
	}
	match := res.Match

	opLogger.Debug("stage", zap.Stringer("stage", StageDeciding), zap.Float64("score", match.Score))
	if !match.Matched {
		return &Outcome{Kind: OutcomeRejected, Stage: StageRejected, Score: match.Score, Scored: true}
	}

	opLogger.Debug("stage", zap.Stringer("stage", StageCommitting))
	claim := AttendanceClaim{
		RequestID:  requestID,
		SubjectID:  subjectID,
		ClassID:    classID,
		CapturedAt: capturedAt,
		Score:      match.Score,
	}
	if err := uc.attendance.Commit(ctx, claim); err != nil {
		return &Outcome{
			Kind:   OutcomeCommitFailed,
			Stage:  StageCommitting,
			Score:  match.Score,
			Scored: true,
			Err:    logging.NewOperationError("usecase.commit", requestID, fmt.Errorf("%w: %w", ErrCommitFailed, err)),
		}
	}

	return &Outcome{Kind: OutcomeAccepted, Stage: StageDone, Score: match.Score, Scored: true, RecordedAt: capturedAt}
}

func (uc *VerificationUseCase) failed(stage Stage, requestID, operation string, err error) *Outcome {
	return &Outcome{Kind: OutcomeFailed, Stage: stage, Err: logging.NewOperationError(operation, requestID, err)}
}

func (uc *VerificationUseCase) markProcessing(ctx context.Context, requestID string, opLogger *zap.Logger) {
	if uc.cache == nil {
		return
	}
	key := cacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, "processing", processingTTL)
	}); err != nil {
		opLogger.Warn("failed to set processing flag", zap.Error(err))
	}
}

// record appends the outcome to the verification log and caches it. Failures
// here are logged and never change the outcome.
func (uc *VerificationUseCase) record(ctx context.Context, subjectID, classID string, outcome *Outcome, elapsed time.Duration, opLogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	entry := cachedVerification{
		RequestID:  outcome.RequestID,
		SubjectID:  subjectID,
		ClassID:    classID,
		Outcome:    string(outcome.Kind),
		Score:      outcome.Score,
		Reason:     outcome.Reason,
		DurationMs: elapsed.Milliseconds(),
		Hash:       outcome.CaptureHash,
		CreatedAt:  uc.now(),
	}

	if uc.repo != nil {
		log := entry.toLog()
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist verification log", zap.Error(err))
		}
		uc.warnOnReplay(ctx, outcome, opLogger)
	}

	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(entry)
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return
	}
	key := cacheKey(outcome.RequestID)
	if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
	}
}

// GetResult retrieves a cached verification outcome or loads it from
// persistence. Results belonging to another subject are not visible.
func (uc *VerificationUseCase) GetResult(ctx context.Context, subjectID, requestID string) (*repository.VerificationLog, error) {
	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
		switch {
		case err == nil && cached == "processing":
			return nil, ErrResultPending
		case err == nil:
			var payload cachedVerification
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
			} else if payload.SubjectID == subjectID {
				return payload.toLog(), nil
			}
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, repository.ErrNotFound
	}
	return uc.repo.FindByRequestIDAndSubject(ctx, requestID, subjectID)
}

func (uc *VerificationUseCase) warnOnReplay(ctx context.Context, outcome *Outcome, opLogger *zap.Logger) {
	if outcome.CaptureHash == "" {
		return
	}
	dups, err := uc.repo.FindDuplicatesByHash(ctx, outcome.CaptureHash, outcome.RequestID)
	if err != nil {
		opLogger.Warn("duplicate lookup failed", zap.Error(err))
		return
	}
	if len(dups) > 0 {
		opLogger.Warn("captured frame matches an earlier attempt",
			zap.String("sha1_hash", outcome.CaptureHash),
			zap.String("first_request_id", dups[0].RequestID),
			zap.Int("duplicates", len(dups)),
		)
	}
}

// GetDuplicateReport builds a replay report for a logged verification.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, repository.ErrNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.CaptureHash, log.RequestID)
	if err != nil {
		return nil, err
	}
	if duplicates == nil {
		duplicates = []*repository.VerificationLog{}
	}
	return &DuplicateReport{
		RequestID:   log.RequestID,
		SubjectID:   log.SubjectID,
		CaptureHash: log.CaptureHash,
		Duplicates:  duplicates,
	}, nil
}

// captureHash hashes the frame as captured. Frames without an encoded form
// have no hash.
func captureHash(frame *imaging.Image) string {
	if frame == nil {
		return ""
	}
	data, _ := frame.Encoded()
	if len(data) == 0 {
		return ""
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (c cachedVerification) toLog() *repository.VerificationLog {
	return &repository.VerificationLog{
		RequestID:   c.RequestID,
		SubjectID:   c.SubjectID,
		ClassID:     c.ClassID,
		Outcome:     c.Outcome,
		Accepted:    c.Outcome == string(OutcomeAccepted),
		Score:       c.Score,
		Reason:      c.Reason,
		DurationMs:  c.DurationMs,
		CaptureHash: c.Hash,
		CreatedAt:   c.CreatedAt,
	}
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

// withRedisRetry runs a cache operation under the retry policy. A cache miss
// (redis.Nil) comes back unwrapped so callers can test for it.
func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	attempts, err := uc.retry.Do(ctx, fn, func(attempt int, err error) {
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
	})
	switch {
	case err == nil:
		if attempts > 1 {
			opLogger.Info("redis operation succeeded after retry", zap.Int("attempts", attempts))
		}
		return nil
	case errors.Is(err, redis.Nil):
		return err
	}
	opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempts", attempts))
	return logging.NewRetryError(operation, requestID, attempts, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
