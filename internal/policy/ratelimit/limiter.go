// Package ratelimit implements an adaptive per-target delay controller on top
// of token buckets. Each target (a domain or a provider) starts at the minimum
// delay, slows down on failures and recovers on successes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/corpus-jobs/internal/metrics"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

// Default bounds of the adaptive delay.
const (
	DefaultMinDelay   = 2 * time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultMultiplier = 1.5
)

// Config bounds the adaptive delay.
type Config struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.MinDelay)
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// State is a snapshot of one target's limiter.
type State struct {
	CurrentDelay        time.Duration
	MinDelay            time.Duration
	MaxDelay            time.Duration
	ConsecutiveFailures int
}

type target struct {
	bucket   *rate.Limiter
	current  time.Duration
	failures int
}

// Limiter manages adaptive per-target delays. State lives for the process
// lifetime and is never persisted.
type Limiter struct {
	mu      sync.Mutex
	targets map[string]*target
	cfg     Config
	now     func() time.Time
	sleeper retry.Sleeper
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleeper overrides how Wait blocks.
func WithSleeper(s retry.Sleeper) Option {
	return func(l *Limiter) {
		if s != nil {
			l.sleeper = s
		}
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		targets: make(map[string]*target),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		sleeper: retry.TimerSleeper{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BeforeCall reserves the next slot for target and returns how long the
// caller must wait before issuing its call. The first call to a target is free.
func (l *Limiter) BeforeCall(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.targetLocked(key)
	now := l.now()
	return t.bucket.ReserveN(now, 1).DelayFrom(now)
}

// Wait reserves a slot and sleeps until it is due.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	delay := l.BeforeCall(key)
	if delay <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(key, delay)
	if err := l.sleeper.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// RecordSuccess moves the target's delay back toward the minimum.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.targetLocked(key)
	t.failures = 0
	next := time.Duration(float64(t.current) / l.cfg.Multiplier)
	l.setDelayLocked(key, t, max(next, l.cfg.MinDelay))
}

// RecordFailure grows the target's delay up to the maximum.
func (l *Limiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.targetLocked(key)
	t.failures++
	next := time.Duration(float64(t.current) * l.cfg.Multiplier)
	l.setDelayLocked(key, t, min(next, l.cfg.MaxDelay))
}

// State returns the target's current state, if the target has been seen.
func (l *Limiter) State(key string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.targets[key]
	if !ok {
		return State{}, false
	}
	return State{
		CurrentDelay:        t.current,
		MinDelay:            l.cfg.MinDelay,
		MaxDelay:            l.cfg.MaxDelay,
		ConsecutiveFailures: t.failures,
	}, true
}

// TargetForURL returns the limiter key of a URL: its lowercase host without "www.".
func TargetForURL(rawURL string) string {
	return metrics.SanitizeSite(rawURL)
}

func (l *Limiter) targetLocked(key string) *target {
	t, ok := l.targets[key]
	if !ok {
		t = &target{
			bucket:  rate.NewLimiter(rate.Every(l.cfg.MinDelay), 1),
			current: l.cfg.MinDelay,
		}
		l.targets[key] = t
	}
	return t
}

func (l *Limiter) setDelayLocked(key string, t *target, delay time.Duration) {
	if delay == t.current {
		return
	}
	t.current = delay
	t.bucket.SetLimitAt(l.now(), rate.Every(delay))
	metrics.SetRateLimitDelay(key, delay)
}
