package engine

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		err       *Error
		status    int
		retriable bool
	}{
		{NewValidationError("bad"), http.StatusBadRequest, false},
		{NewPreconditionError("missing role", &Guide{Title: "t"}), http.StatusBadRequest, false},
		{NewUnauthorizedError("who"), http.StatusUnauthorized, false},
		{NewForbiddenError("no"), http.StatusForbidden, false},
		{NewNotFoundError("gone"), http.StatusNotFound, false},
		{NewConflictError(ErrCodeConflictRequestPending, "pending"), http.StatusConflict, true},
		{NewThrottledError(ErrCodeCooldownActive, "wait"), http.StatusTooManyRequests, true},
		{NewTransientError("flaky", nil), http.StatusServiceUnavailable, true},
		{NewInternalError("boom", nil), http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.status)
			}
			if got := tt.err.Retriable(); got != tt.retriable {
				t.Errorf("Retriable() = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestPreconditionErrorSurfacesAsValidation(t *testing.T) {
	err := NewPreconditionError("missing", &Guide{Title: "Register the role"})
	if err.Code != ErrCodeValidation {
		t.Errorf("expected code %s, got %s", ErrCodeValidation, err.Code)
	}
	if !IsValidation(err) {
		t.Error("expected precondition error to count as validation")
	}
	if err.Guide == nil || err.Guide.Title != "Register the role" {
		t.Errorf("guide not carried: %+v", err.Guide)
	}
}

func TestErrorMatching(t *testing.T) {
	base := NewConflictError(ErrCodeScanInProgress, "running").WithTargetSource("ts-1")
	wrapped := fmt.Errorf("run scan: %w", base)

	if !errors.Is(wrapped, NewConflictError(ErrCodeScanInProgress, "other message")) {
		t.Error("errors.Is should match on class and code")
	}
	if errors.Is(wrapped, NewConflictError(ErrCodeConflict, "running")) {
		t.Error("errors.Is should not match a different code")
	}
	if !IsConflict(wrapped) || !HasCode(wrapped, ErrCodeScanInProgress) {
		t.Error("expected wrapped conflict to be detected")
	}
	if got := AsError(wrapped); got != base {
		t.Errorf("AsError() = %v, want the original error", got)
	}
}

func TestAsErrorWrapsUnclassified(t *testing.T) {
	cause := errors.New("disk full")
	got := AsError(cause)
	if got.Class != ErrorClassInternal {
		t.Errorf("expected internal class, got %s", got.Class)
	}
	if !errors.Is(got, cause) {
		t.Error("expected cause to be preserved")
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	if !IsRetriable(cause) {
		t.Error("unclassified errors are retriable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewTransientError("apply failed", errors.New("timeout")).WithTargetSource("ts-9")
	want := "[PROVIDER_FAILED] apply failed (target_source=ts-9): timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
