package core

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapError_AssignsStableCodes(t *testing.T) {
	mapped := MapError(fmt.Errorf("%w: app %q", ErrAppConfigNotFound, "app1"))
	if mapped.TextCode != SyncErrorAppNotFound {
		t.Fatalf("expected app-not-found text code, got %q", mapped.TextCode)
	}
	if mapped.Code != http.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", mapped.Code)
	}

	mapped = MapError(ErrWebhookRejected)
	if mapped.TextCode != SyncErrorWebhookRejected {
		t.Fatalf("expected webhook-rejected code, got %q", mapped.TextCode)
	}
	if mapped.Category != goerrors.CategoryAuth {
		t.Fatalf("expected auth category, got %q", mapped.Category)
	}
	if mapped.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 status, got %d", mapped.Code)
	}

	mapped = MapError(fmt.Errorf("%w: %q", ErrInvalidSyncMode, "bootstrap"))
	if mapped.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status, got %d", mapped.Code)
	}
}

func TestMapError_NeverLeaksSignatureMaterial(t *testing.T) {
	wrapped := fmt.Errorf("%w: header sha256=deadbeef", ErrWebhookRejected)
	mapped := MapError(wrapped)
	if mapped.Message != "webhook signature verification failed" {
		t.Fatalf("expected generic verification message, got %q", mapped.Message)
	}
}

func TestMapError_MessageHeuristics(t *testing.T) {
	mapped := MapError(stderrors.New("provider rate limit exceeded"))
	if mapped.TextCode != SyncErrorRateLimited {
		t.Fatalf("expected rate-limited code, got %q", mapped.TextCode)
	}
	if mapped.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status, got %d", mapped.Code)
	}

	mapped = MapError(stderrors.New("core: app key is required"))
	if mapped.TextCode != SyncErrorBadInput {
		t.Fatalf("expected bad input code, got %q", mapped.TextCode)
	}
}

func TestMapError_PreservesExistingEnvelope(t *testing.T) {
	original := goerrors.New("task already claimed", goerrors.CategoryConflict).WithTextCode(SyncErrorConflict)
	mapped := MapError(fmt.Errorf("claim: %w", original))
	if mapped.TextCode != SyncErrorConflict {
		t.Fatalf("expected original text code kept, got %q", mapped.TextCode)
	}
	if mapped.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", mapped.Code)
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusRequestTimeout} {
		if !RetryableStatus(status) {
			t.Fatalf("expected %d to be retryable", status)
		}
	}
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusNotFound, http.StatusConflict} {
		if RetryableStatus(status) {
			t.Fatalf("expected %d to not be retryable", status)
		}
	}
}
