// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the bounded exponential backoff used to retry
// transient store_unavailable faults (spec §7: "Retried with bounded
// exponential backoff inside the broker; surfaced as 503 only after retries
// exhausted").
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config bounds a retry sequence.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultConfig bounds transient infrastructure retries to a few seconds:
// the first wait is 100ms, no single wait exceeds 5s, and retrying stops
// once 5s have elapsed in total.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// Do retries fn with exponential backoff until it succeeds, ctx is
// cancelled, or cfg.MaxElapsedTime is exceeded. A non-nil error returned
// from fn is always treated as retryable; callers that need to distinguish
// permanent errors should wrap fn and return a backoff.Permanent error.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		return fn(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(cfg.MaxElapsedTime))
}

// Permanent marks err as non-retryable, stopping the retry loop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
