package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(CodeLimitReached, "monthly limit reached")
	wrapped := fmt.Errorf("create pass: %w", err)

	if !errors.Is(wrapped, New(CodeLimitReached, "different message")) {
		t.Fatal("expected match by code regardless of message")
	}
	if errors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatal("expected mismatch for different code")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Wrap(CodeRemoteUnavailable, "count passes", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be traversable")
	}
	if got := CodeOf(err); got != CodeRemoteUnavailable {
		t.Fatalf("expected REMOTE_UNAVAILABLE, got %q", got)
	}
}

func TestIsBlockedCoversAllTiers(t *testing.T) {
	t.Parallel()

	blocked := []Code{CodeBlockedCommunity, CodeBlockedFamily, CodeBlockedUnit, CodeBlockedLegacyUser}
	for _, code := range blocked {
		if !IsBlocked(code) {
			t.Fatalf("expected %q to be a blocking code", code)
		}
	}
	if IsBlocked(CodeLimitReached) {
		t.Fatal("LIMIT_REACHED is not a blocking code")
	}
}

func TestCodeOfUnknownError(t *testing.T) {
	t.Parallel()

	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected UNKNOWN, got %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty code for nil error, got %q", got)
	}
}
