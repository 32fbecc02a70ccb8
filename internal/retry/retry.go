// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package retry implements the exponential-backoff-with-jitter retry policy
// (spec §4.2) and the error classification (spec §4.2, §7) the ingest client
// uses to decide whether a failure is worth retrying.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// Policy is a value object describing backoff parameters. The zero value is
// not usable; construct with DefaultPolicy or a struct literal.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ExponentialBase float64
	Jitter         bool
}

// DefaultPolicy matches spec §4.2's defaults: 3 retries, 1s base, 30s cap,
// base 2.0, jitter on.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay returns the sleep duration before attempt n (0-indexed, n in
// [0, MaxRetries)): min(BaseDelay * ExponentialBase^n, MaxDelay), optionally
// scaled by a uniform random factor in [0.5, 1.0).
func (p Policy) Delay(n int) time.Duration {
	raw := float64(p.BaseDelay) * pow(p.ExponentialBase, n)
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter {
		raw *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(raw)
}

func pow(base float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= base
	}
	return result
}

// Classification describes whether a failure should be retried.
type Classification int

const (
	// NonRetryable failures should fail fast: bad request, auth, validation.
	NonRetryable Classification = iota
	// Retryable failures are transient: timeouts, resets, 429, 5xx.
	Retryable
	// Success is not actually a failure; included for completeness of the
	// HTTP-status classifier.
	Success
)

// ClassifyHTTPStatus classifies an HTTP response status code per spec §4.2:
// 2xx/3xx success, 429/5xx retryable, 400/401/403/422 non-retryable. Any
// other 4xx defaults to non-retryable (the backend rejected the request and
// repeating it unchanged won't help).
func ClassifyHTTPStatus(status int) Classification {
	switch {
	case status >= 200 && status < 400:
		return Success
	case status == 429:
		return Retryable
	case status >= 500:
		return Retryable
	default:
		return NonRetryable
	}
}

// ClassifyError classifies a transport-level error (no HTTP status
// available): network timeouts and connection refused/reset are retryable;
// everything else is treated as non-retryable (e.g. TLS/auth configuration
// errors should fail fast rather than loop forever).
func ClassifyError(err error) Classification {
	if err == nil {
		return Success
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}
	return NonRetryable
}

// Do runs fn up to p.MaxRetries+1 times (the initial attempt plus retries),
// sleeping per Delay between attempts, classifying each returned error with
// classify. It stops early on a NonRetryable classification or on ctx
// cancellation. Do returns the last error seen once attempts are exhausted.
func Do(ctx context.Context, p Policy, classify func(error) Classification, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if classify(lastErr) == NonRetryable {
			return lastErr
		}
		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
