package logging

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationErrorUnwrapsAndFormats(t *testing.T) {
	cause := errors.New("device busy")
	err := NewOperationError("usecase.acquire_device", "req-9", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if got := err.Error(); got != "usecase.acquire_device [req-9]: device busy" {
		t.Fatalf("unexpected message %q", got)
	}
	if NewOperationError("op", "", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	if got := NewOperationError("op", "", cause).Error(); got != "op: device busy" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRetryErrorReportsAttempts(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewRetryError("repository.save_log", "req-3", 3, cause)
	if got := err.Error(); got != "repository.save_log [req-3] after 3 attempts: connection reset" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := NewRetryError("op", "", 1, cause).Error(); got != "op: connection reset" {
		t.Fatalf("single attempt must not be mentioned, got %q", got)
	}

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Error("failed", ErrorFields(fmt.Errorf("outer: %w", err))...)
	fields := logs.All()[0].ContextMap()
	if fields["failed_operation"] != "repository.save_log" || fields["attempts"] != int64(3) {
		t.Fatalf("unexpected fields %v", fields)
	}

	logs.TakeAll()
	zap.New(core).Error("plain", ErrorFields(cause)...)
	if _, ok := logs.All()[0].ContextMap()["failed_operation"]; ok {
		t.Fatal("plain errors carry no operation")
	}
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	WithOperation(zap.New(core), "profile.register", "req-1").Info("done")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "profile.register" || fields["request_id"] != "req-1" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug enabled")
	}
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
