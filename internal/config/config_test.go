package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/face-attendance/internal/capture"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"POLICY_FILE", "MATCH_THRESHOLD", "SCORE_GRID_SIZE", "DATABASE_DRIVER", "DATABASE_DSN", "HTTP_ADDR"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Threshold != 0.7 || cfg.Policy.GridSize != 100 {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.Policy.Capture != capture.DefaultConfig() {
		t.Fatalf("unexpected capture defaults %+v", cfg.Policy.Capture)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Database.Driver != "postgres" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestPolicyFileAndEnvOverrides(t *testing.T) {
	path := writePolicy(t, `
threshold: 0.8
grid_size: 64
capture_timeout: 2s
capture:
  facing: back
  width: 320
  height: 240
  quality: 0.5
devices:
  back: /dev/video4
`)
	t.Setenv("POLICY_FILE", path)
	t.Setenv("MATCH_THRESHOLD", "")
	t.Setenv("SCORE_GRID_SIZE", "32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Policy
	if p.Threshold != 0.8 || p.GridSize != 32 || p.CaptureTimeout != 2*time.Second {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.Capture.Facing != capture.FacingBack || p.Capture.Width != 320 || p.Devices[capture.FacingBack] != "/dev/video4" {
		t.Fatalf("unexpected capture policy %+v", p)
	}

	t.Setenv("MATCH_THRESHOLD", "0.65")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Threshold != 0.65 {
		t.Fatalf("env threshold not applied: %v", cfg.Policy.Threshold)
	}
}

func TestInvalidPolicyIsRejected(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	t.Setenv("SCORE_GRID_SIZE", "")

	t.Setenv("MATCH_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
	t.Setenv("MATCH_THRESHOLD", "abc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed threshold")
	}

	t.Setenv("MATCH_THRESHOLD", "")
	t.Setenv("POLICY_FILE", writePolicy(t, "capture:\n  quality: 2\n"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for quality above 1")
	}
}

func TestGridSizeIsBounded(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	t.Setenv("MATCH_THRESHOLD", "")

	t.Setenv("SCORE_GRID_SIZE", "1000000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for an oversized grid")
	}

	t.Setenv("SCORE_GRID_SIZE", "")
	t.Setenv("POLICY_FILE", writePolicy(t, "grid_size: 1001\n"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a grid one above the cap")
	}

	t.Setenv("POLICY_FILE", writePolicy(t, "grid_size: 1000\n"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("grid at the cap must load: %v", err)
	}
	if cfg.Policy.GridSize != 1000 {
		t.Fatalf("unexpected grid size %d", cfg.Policy.GridSize)
	}
}

func TestSqliteDefaultDSN(t *testing.T) {
	t.Setenv("POLICY_FILE", "")
	t.Setenv("MATCH_THRESHOLD", "")
	t.Setenv("SCORE_GRID_SIZE", "")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "attendance.db" {
		t.Fatalf("unexpected dsn %s", cfg.Database.DSN)
	}
}
