package cmd

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/capture"
	"github.com/example/face-attendance/internal/config"
	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/repository"
)

func writePNG(t *testing.T, dir string, c color.RGBA) string {
	t.Helper()
	img, err := imaging.Uniform(64, 48, c)
	if err != nil {
		t.Fatalf("uniform: %v", err)
	}
	data, err := img.EncodePNG()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, "face.png")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestNewCaptureDriver(t *testing.T) {
	path := writePNG(t, t.TempDir(), color.RGBA{R: 90, G: 120, B: 200, A: 255})

	driver, err := newCaptureDriver(staticDevicePrefix + path)
	if err != nil {
		t.Fatalf("static driver: %v", err)
	}
	if _, ok := driver.(*capture.StaticDriver); !ok {
		t.Fatalf("expected static driver, got %T", driver)
	}

	driver, err = newCaptureDriver(staticDevicePrefix + filepath.Join(t.TempDir(), "missing.png"))
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if driver != nil {
		t.Fatal("failed driver must be nil so the controller reports unsupported")
	}
}

func TestOpenDatabase(t *testing.T) {
	ctx := context.Background()
	if _, err := openDatabase(ctx, config.DatabaseConfig{Driver: "mysql"}, zap.NewNop()); err == nil {
		t.Fatal("expected unknown driver error")
	}

	db, err := openDatabase(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "attendance.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected single sqlite connection, got %d", got)
	}
}

// TestRegisterThenVerify drives the CLI end to end on SQLite with a camera
// that serves the registered image.
func TestRegisterThenVerify(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "attendance.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", dbPath)
	t.Setenv("BLOB_DIR", filepath.Join(dir, "blobs"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("MATCH_THRESHOLD", "")

	face := writePNG(t, dir, color.RGBA{R: 180, G: 140, B: 110, A: 255})
	run := func(args ...string) error {
		rootCmd.SetArgs(append(args, "--log-level", "error"))
		return rootCmd.Execute()
	}

	if err := run("register", "--subject", "alice", "--name", "Alice", "--image", face, "--device", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := run("verify", "--subject", "alice", "--class", "math", "--device", staticDevicePrefix+face, "--remote", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}

	err := run("verify", "--subject", "alice", "--class", "math", "--device", staticDevicePrefix+face, "--remote", "")
	if err == nil || !strings.Contains(err.Error(), "commit_failed") {
		t.Fatalf("second verification the same day must fail to commit, got %v", err)
	}

	if err := run("verify", "--subject", "bob", "--class", "math", "--device", staticDevicePrefix+face, "--remote", ""); err == nil {
		t.Fatal("expected failure for a subject without a profile")
	}

	db, err := openDatabase(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: dbPath}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()
	records, err := repository.NewRepository(db, zap.NewNop()).ListAttendance(context.Background(), repository.AttendanceFilter{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ClassID != "math" || records[0].Score < 0.7 {
		t.Fatalf("unexpected attendance %+v", records)
	}
}
