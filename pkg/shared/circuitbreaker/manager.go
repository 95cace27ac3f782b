// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package circuitbreaker wraps sony/gobreaker so that every Store round-trip
// and outbound alert delivery fails fast once the underlying dependency is
// sustained-unhealthy, instead of queueing retries against a dependency that
// will not recover in the retry window.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Manager owns one named circuit breaker per protected dependency (the
// Store, each alert channel) and lazily creates them with a shared default
// policy on first use. A single Manager is shared by every broker goroutine,
// so the lazy creation is mutex-guarded.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	newFn    func(name string) *gobreaker.CircuitBreaker
}

// Config tunes the breaker policy applied to every breaker the Manager creates.
type Config struct {
	// MaxRequests is the number of requests allowed to pass through while
	// the breaker is half-open.
	MaxRequests uint32
	// Interval is the cyclic period of the closed state during which
	// counts are cleared; zero disables the periodic reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before moving to half-open.
	Timeout time.Duration
	// ConsecutiveFailureThreshold trips the breaker after this many
	// consecutive failures.
	ConsecutiveFailureThreshold uint32
}

// DefaultConfig mirrors the lease/janitor timing scale of the broker: a
// short half-open probe window so a recovered Store is used again quickly.
func DefaultConfig() Config {
	return Config{
		MaxRequests:                 1,
		Interval:                    30 * time.Second,
		Timeout:                     10 * time.Second,
		ConsecutiveFailureThreshold: 5,
	}
}

// NewManager builds a Manager applying cfg to every breaker it creates.
func NewManager(cfg Config) *Manager {
	m := &Manager{breakers: make(map[string]*gobreaker.CircuitBreaker)}
	m.newFn = func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold
			},
		})
	}
	return m
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := m.newFn(name)
	m.breakers[name] = b
	return b
}

// Execute runs fn through the named breaker, short-circuiting immediately
// with gobreaker.ErrOpenState when the breaker is open.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return m.breaker(name).Execute(func() (any, error) {
		return fn(ctx)
	})
}

// State returns the current state of the named breaker (creating it closed
// if it does not yet exist).
func (m *Manager) State(name string) gobreaker.State {
	return m.breaker(name).State()
}
