// Package retry classifies failures of external calls and re-runs the
// retryable ones on an exponential schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Class is the retry category of a failure.
type Class string

// Failure classes.
const (
	// ClassRateLimited is a "too many requests" signal, optionally with a retry-after hint.
	ClassRateLimited Class = "rate_limited"
	// ClassQuota is quota, billing or credential exhaustion. It is fatal for the job.
	ClassQuota Class = "quota"
	// ClassTransient is a network or server error that may succeed later.
	ClassTransient Class = "transient"
	// ClassClient is a malformed input or missing resource. It fails only the item.
	ClassClient Class = "client"
)

// Retryable reports whether the class is retried.
func (c Class) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// Fatal reports whether the class aborts the whole job.
func (c Class) Fatal() bool {
	return c == ClassQuota
}

// Error is a failure tagged with its class.
type Error struct {
	Class      Class
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited tags err as rate limited with an optional retry-after hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &Error{Class: ClassRateLimited, RetryAfter: retryAfter, Err: err}
}

// Quota tags err as job-fatal quota exhaustion.
func Quota(err error) error {
	return &Error{Class: ClassQuota, Err: err}
}

// Transient tags err as a retryable transient failure.
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Client tags err as a non-retryable item failure.
func Client(err error) error {
	return &Error{Class: ClassClient, Err: err}
}

// Classified is implemented by domain errors that know their retry class.
type Classified interface {
	RetryClass() (Class, time.Duration)
}

// Classifier maps an error to its class and retry-after hint.
type Classifier func(err error) (Class, time.Duration)

// DefaultClassifier honours tagged errors, treats network timeouts as
// transient and everything else as a client failure.
func DefaultClassifier(err error) (Class, time.Duration) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Class, tagged.RetryAfter
	}
	var classified Classified
	if errors.As(err, &classified) {
		return classified.RetryClass()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient, 0
	}
	return ClassClient, 0
}

// ClassOf returns the class of an error returned by Policy.Do.
func ClassOf(err error) Class {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Class
	}
	return ClassClient
}

// Sleeper waits between attempts. Tests inject a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a timer and returns early when ctx is done.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
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

// Defaults for the exponential schedule.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Policy runs an operation until it succeeds, fails permanently or runs out of attempts.
type Policy struct {
	// MaxAttempts bounds the total number of calls for rate-limited failures.
	MaxAttempts int
	// TransientAttempts bounds transient failures; zero means MaxAttempts.
	TransientAttempts int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Classify          Classifier
	// Remap overrides the class chosen by Classify, e.g. to make transient
	// failures of one job type non-retryable.
	Remap   map[Class]Class
	Sleeper Sleeper
	Logger  *zap.Logger
	// OnRetry is called before each wait.
	OnRetry func(class Class, attempt int, delay time.Duration)
}

// DefaultPolicy returns the 5-attempt, 1s..60s schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Classify:    DefaultClassifier,
		Sleeper:     TimerSleeper{},
	}
}

// Backoff returns the delay after the given failed attempt (1-based): base·2^(n-1), capped.
func (p Policy) Backoff(attempt int) time.Duration {
	base, maxDelay := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Do calls op until it succeeds. A failure is returned as *Error carrying the
// class and the number of attempts made. Context errors are returned untouched.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		class, retryAfter := p.ClassFor(err)
		if !class.Retryable() || attempt >= p.attemptsFor(class) {
			return &Error{Class: class, RetryAfter: retryAfter, Attempts: attempt, Err: err}
		}
		delay := max(retryAfter, p.Backoff(attempt))
		logger.Debug("retrying after failure",
			zap.String("class", string(class)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(class, attempt, delay)
		}
		if err := sleeper.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("wait before retry: %w", err)
		}
	}
}

// ClassFor classifies err the way Do does, with Remap applied.
func (p Policy) ClassFor(err error) (Class, time.Duration) {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	class, retryAfter := classify(err)
	if to, ok := p.Remap[class]; ok {
		class = to
	}
	return class, retryAfter
}

func (p Policy) attemptsFor(class Class) int {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if class == ClassTransient && p.TransientAttempts > 0 {
		return p.TransientAttempts
	}
	return limit
}
