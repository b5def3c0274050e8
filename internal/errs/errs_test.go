package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientMessage(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":      true,
		"rate limit exceeded":        true,
		"RateLimit":                  true,
		"connection reset by peer":   true,
		"502 bad gateway":            true,
		"request timed out":         true,
		"order not found":            false,
		"invalid api key":            false,
	}
	for msg, want := range cases {
		if got := IsTransientMessage(msg); got != want {
			t.Errorf("IsTransientMessage(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsTransientWrapped(t *testing.T) {
	base := errors.New("upstream exploded")
	wrapped := fmt.Errorf("tool call failed: %w", NewTransient(base))
	if !IsTransient(wrapped) {
		t.Fatal("expected wrapped Transient to be detected via errors.As")
	}
}

func TestIsTransientFromRawMessage(t *testing.T) {
	err := errors.New("503 Service Unavailable")
	if !IsTransient(err) {
		t.Fatal("expected raw 503 message to classify as transient")
	}
}

func TestIsCancellation(t *testing.T) {
	err := fmt.Errorf("stage aborted: %w", NewCancellation(errors.New("shutdown requested")))
	if !IsCancellation(err) {
		t.Fatal("expected wrapped Cancellation to be detected")
	}
}

func TestIsValidation(t *testing.T) {
	err := NewValidation("allocationPct", "must be in (0,1], got %v", 0)
	if !IsValidation(err) {
		t.Fatal("expected Validation to be detected")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
