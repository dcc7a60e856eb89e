package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewOperationErrorKeepsNil(t *testing.T) {
	if err := NewOperationError("usecase.submit", "corr-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("grpcclient.classify", "corr-1", base)

	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to find base error")
	}
	if got, want := err.Error(), "grpcclient.classify (correlation_id=corr-1): boom"; got != want {
		t.Fatalf("unexpected message: %q want %q", got, want)
	}

	noID := NewOperationError("grpcclient.classify", "", base)
	if got, want := noID.Error(), "grpcclient.classify: boom"; got != want {
		t.Fatalf("unexpected message: %q want %q", got, want)
	}
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithOperation(zap.New(core), "usecase.payout", "corr-9")
	logger.Info("settled")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "usecase.payout" {
		t.Fatalf("missing operation field: %v", fields)
	}
	if fields["correlation_id"] != "corr-9" {
		t.Fatalf("missing correlation field: %v", fields)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("production", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
