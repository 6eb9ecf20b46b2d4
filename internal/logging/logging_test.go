package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}

	logger, err = NewLogger("loud")
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected unknown level to fall back to info")
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := NewOperationError("cache.set.result", "req-1", cause)

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if got := err.Error(); got != "cache.set.result (request_id=req-1): boom" {
		t.Fatalf("unexpected message: %s", got)
	}
	if NewOperationError("noop", "", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
