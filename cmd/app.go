package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-attendance/internal/blobstore"
	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/profile"
	"github.com/example/face-attendance/internal/repository"
	"github.com/example/face-attendance/internal/scoring"
	"github.com/example/face-attendance/internal/upload"
	"github.com/example/face-attendance/internal/usecase"
)

const staticDevicePrefix = "static:"

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *gorm.DB
	repo       *repository.Repository
	redis      *redis.Client
	cache      *usecase.RedisCache
	profiles   *profile.Store
	controller *capture.Controller
	verifier   *usecase.VerificationUseCase
}

// newApp loads configuration and opens every backing service. The returned
// close function releases them.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if level := mustGetString(cmd, "log-level"); level != "" {
		cfg.LogLevel = level
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	closers := []func(){func() { _ = logger.Sync() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	if a.db, err = openDatabase(ctx, cfg.Database, logger); err != nil {
		closeAll()
		return nil, nil, err
	}
	if sqlDB, err := a.db.DB(); err == nil {
		closers = append(closers, func() { _ = sqlDB.Close() })
	}
	a.repo = repository.NewRepository(a.db, logger)
	if err := a.repo.AutoMigrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		if a.redis, err = openRedis(ctx, cfg.RedisAddr); err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = a.redis.Close() })
		a.cache = usecase.NewRedisCache(a.redis, cfg.RedisPrefix)
		cache = a.cache
	} else {
		logger.Info("REDIS_ADDR not set, verification results are not cached")
	}

	blobs, err := blobstore.NewFileStore(cfg.BlobDir, 0, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	a.profiles = profile.NewStore(a.repo, blobs, upload.NewReporter(blobs, logger), logger)

	device := mustGetString(cmd, "device")
	if device != "" && !strings.HasPrefix(device, staticDevicePrefix) {
		cfg.Policy.Capture.Device = device
	}
	driver, err := newCaptureDriver(device)
	if err != nil {
		logger.Warn("camera driver unavailable, verification will fail with unsupported", zap.Error(err))
	}
	a.controller = capture.NewController(driver, logger,
		capture.WithFrameTimeout(cfg.Policy.CaptureTimeout),
		capture.WithDevices(cfg.Policy.Devices),
	)

	a.verifier = usecase.NewVerificationUseCase(usecase.Dependencies{
		Camera:     usecase.NewCameraController(a.controller),
		Profiles:   a.profiles,
		Attendance: usecase.NewAttendanceStore(a.repo),
		Scorer:     scoring.New(cfg.Policy.GridSize, cfg.Policy.Threshold),
		Repo:       a.repo,
		Cache:      cache,
	}, logger)

	return a, closeAll, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// newCaptureDriver returns a driver serving a still image for
// "static:<path>" and the V4L2 driver otherwise.
func newCaptureDriver(device string) (capture.Driver, error) {
	if path, ok := strings.CutPrefix(device, staticDevicePrefix); ok {
		d, err := capture.NewStaticDriverFromFile(path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return capture.NewV4L2Driver()
}
