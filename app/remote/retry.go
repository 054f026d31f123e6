// Package remote wraps outbound calls with pacing and bounded retries.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxJitter   = time.Second
	DefaultMaxDelay    = time.Minute
)

// Retrier holds the retry policy shared by all calls of one collector.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxJitter   time.Duration
	maxDelay    time.Duration
	classify    Classifier
	logger      *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

type RetryOption func(*Retrier)

// WithMaxAttempts sets the total number of attempts, the first included.
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrier) { r.maxAttempts = n }
}

func WithBaseDelay(d time.Duration) RetryOption {
	return func(r *Retrier) { r.baseDelay = d }
}

func WithMaxJitter(d time.Duration) RetryOption {
	return func(r *Retrier) { r.maxJitter = d }
}

// WithMaxDelay caps a single backoff sleep, Retry-After hints included.
// Zero means no cap.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(r *Retrier) { r.maxDelay = d }
}

func WithClassifier(c Classifier) RetryOption {
	return func(r *Retrier) { r.classify = c }
}

func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrier) { r.logger = logger }
}

func NewRetrier(opts ...RetryOption) *Retrier {
	r := &Retrier{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxJitter:   DefaultMaxJitter,
		maxDelay:    DefaultMaxDelay,
		classify:    IsTransient,
		logger:      slog.Default(),
		sleep:       sleepContext,
		jitter:      randomJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.baseDelay < 0 {
		r.baseDelay = 0
	}
	if r.classify == nil {
		r.classify = IsTransient
	}
	return r
}

func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Retry calls op until it succeeds, fails permanently or runs out of
// attempts. Between transient failures it sleeps base*2^attempt plus
// jitter, or longer when the failure carried a Retry-After hint.
func Retry[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var last error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		last = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !r.classify(err) {
			var permanent *PermanentError
			if errors.As(err, &permanent) {
				return zero, err
			}
			return zero, &PermanentError{Err: err}
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		delay := r.delay(attempt, err)
		r.logger.Warn("Retrying after transient error",
			"attempt", attempt+1,
			"max_attempts", r.maxAttempts,
			"delay", delay,
			"error", err)

		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: r.maxAttempts, Last: last}
}

func (r *Retrier) delay(attempt int, err error) time.Duration {
	d := r.baseDelay
	for i := 0; i < attempt && (r.maxDelay <= 0 || d < r.maxDelay); i++ {
		d *= 2
	}
	if r.maxJitter > 0 {
		d += r.jitter(r.maxJitter)
	}
	if hint := retryAfter(err); hint > d {
		d = hint
	}
	if r.maxDelay > 0 && d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func randomJitter(max time.Duration) time.Duration {
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
