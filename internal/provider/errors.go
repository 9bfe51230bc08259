package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// Error is returned once a model call has exhausted its retries or failed
// with a non-retryable error. Callers map it to a user-facing fallback.
type Error struct {
	Provider string
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s failed after %d attempt(s): %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsProviderError reports whether err came out of a model call.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// StatusError is an unexpected HTTP status from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// retryable classifies an attempt failure. Unknown errors are treated as
// transient; authentication and request errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return retryableStatus(ollamaErr.StatusCode)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
