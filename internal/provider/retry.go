package provider

import (
	"context"
	"time"
)

// RetryPolicy bounds every external model call.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    4,
	BaseDelay:      200 * time.Millisecond,
	MaxDelay:       5 * time.Second,
	AttemptTimeout: 60 * time.Second,
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done. Failures come back as *Error.
func Do[T any](ctx context.Context, policy RetryPolicy, name, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, &Error{Provider: name, Op: op, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		res, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, &Error{Provider: name, Op: op, Attempts: attempt + 1, Err: ctx.Err()}
		}
		if !retryable(err) {
			return zero, &Error{Provider: name, Op: op, Attempts: attempt + 1, Err: err}
		}
	}
	return zero, &Error{Provider: name, Op: op, Attempts: attempts, Err: lastErr}
}

type retryingChat struct {
	next   ChatModel
	policy RetryPolicy
}

// WithRetry wraps a ChatModel so every call is retried under policy.
func WithRetry(next ChatModel, policy RetryPolicy) ChatModel {
	return &retryingChat{next: next, policy: policy}
}

func (r *retryingChat) Name() string { return r.next.Name() }

func (r *retryingChat) Close() error { return Close(r.next) }

func (r *retryingChat) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return Do(ctx, r.policy, r.next.Name(), "chat", func(ctx context.Context) (*Response, error) {
		return r.next.Chat(ctx, messages)
	})
}

type retryingEmbedder struct {
	next   Embedder
	policy RetryPolicy
}

// WithEmbedRetry wraps an Embedder so every call is retried under policy.
func WithEmbedRetry(next Embedder, policy RetryPolicy) Embedder {
	return &retryingEmbedder{next: next, policy: policy}
}

func (r *retryingEmbedder) Name() string { return r.next.Name() }

func (r *retryingEmbedder) Close() error { return Close(r.next) }

func (r *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return Do(ctx, r.policy, r.next.Name(), "embed", func(ctx context.Context) ([][]float32, error) {
		return r.next.Embed(ctx, texts)
	})
}
