package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

// Error is a provider failure tagged with its retry class.
type Error struct {
	Provider string
	Class    retry.Class
	Err      error
}

func (e *Error) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryClass implements retry.Classified.
func (e *Error) RetryClass() (retry.Class, time.Duration) {
	return e.Class, 0
}

// Quota, billing and credential problems are checked first so that a 429
// mentioning quota is fatal rather than retried.
var (
	quotaMarkers = []string{
		"quota", "insufficient_quota", "billing", "credit balance",
		"invalid api key", "invalid_api_key", "incorrect api key", "authentication",
		"unauthorized", "401", "403",
	}
	rateLimitMarkers = []string{"rate limit", "rate_limit", "429", "too many requests"}
	transientMarkers = []string{
		"timeout", "timed out", "deadline", "connection reset", "connection refused",
		"eof", "500", "502", "503", "504", "529", "server error", "overloaded", "unavailable",
	}
)

// Classify maps a provider error to a retry class by its message.
func Classify(err error) retry.Class {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.ClassTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, quotaMarkers):
		return retry.ClassQuota
	case containsAny(msg, rateLimitMarkers):
		return retry.ClassRateLimited
	case containsAny(msg, transientMarkers):
		return retry.ClassTransient
	default:
		return retry.ClassClient
	}
}

// Wrap tags err with its class. Context errors and nil pass through.
func Wrap(provider string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Provider: provider, Class: Classify(err), Err: err}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
