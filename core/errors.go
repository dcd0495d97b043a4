package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SyncErrorBadInput          = "SYNC_BAD_INPUT"
	SyncErrorAppNotFound       = "SYNC_APP_NOT_FOUND"
	SyncErrorConnectorNotFound = "SYNC_CONNECTOR_NOT_FOUND"
	SyncErrorJobNotFound       = "SYNC_JOB_NOT_FOUND"
	SyncErrorWebhookRejected   = "SYNC_WEBHOOK_REJECTED"
	SyncErrorRateLimited       = "SYNC_RATE_LIMITED"
	SyncErrorConfiguration     = "SYNC_CONFIGURATION_INVALID"
	SyncErrorConflict          = "SYNC_CONFLICT"
	SyncErrorInternal          = "SYNC_INTERNAL_ERROR"
)

// MapError normalizes any error into the shared envelope with a stable
// category, HTTP status, and text code. Messages surfaced to callers never
// carry signature material or upstream secrets.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureSyncErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrAppConfigNotFound):
		return newSyncError(err.Error(), goerrors.CategoryNotFound, SyncErrorAppNotFound)
	case errors.Is(err, ErrConnectorNotFound):
		return newSyncError(err.Error(), goerrors.CategoryNotFound, SyncErrorConnectorNotFound)
	case errors.Is(err, ErrSyncJobNotFound), errors.Is(err, ErrSyncTaskNotFound):
		return newSyncError(err.Error(), goerrors.CategoryNotFound, SyncErrorJobNotFound)
	case errors.Is(err, ErrEntityNotFound):
		return newSyncError(err.Error(), goerrors.CategoryNotFound, SyncErrorBadInput)
	case errors.Is(err, ErrWebhookRejected):
		return newSyncError("webhook signature verification failed", goerrors.CategoryAuth, SyncErrorWebhookRejected)
	case errors.Is(err, ErrConfigurationInvalid):
		return newSyncError(err.Error(), goerrors.CategoryValidation, SyncErrorConfiguration)
	case errors.Is(err, ErrInvalidSyncMode), errors.Is(err, ErrInvalidAppKey):
		return newSyncError(err.Error(), goerrors.CategoryBadInput, SyncErrorBadInput)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return newSyncError(err.Error(), goerrors.CategoryRateLimit, SyncErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newSyncError(err.Error(), goerrors.CategoryBadInput, SyncErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSyncErrorEnvelope(mapped)
}

// RetryableStatus reports whether an upstream HTTP status justifies a retry.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}

func newSyncError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureSyncErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureSyncErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = syncHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSyncTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSyncTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SyncErrorBadInput
	case goerrors.CategoryNotFound:
		return SyncErrorAppNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SyncErrorWebhookRejected
	case goerrors.CategoryRateLimit:
		return SyncErrorRateLimited
	case goerrors.CategoryConflict:
		return SyncErrorConflict
	default:
		return SyncErrorInternal
	}
}

func syncHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
