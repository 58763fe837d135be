// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry provides the shared backoff-and-circuit-breaker policy
// used by the object store, source adapters, and build worker for
// calls to external systems that fail transiently. Permanent failures
// (validation, not-found, auth) must not be retried; callers signal that
// by returning a non-retryable error from the operation.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// Permanent marks err as not worth retrying, matching the semantics
// backoff.Permanent gives, but kept as our own type so callers don't need
// to import backoff directly outside this package.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy bundles a backoff schedule with a circuit breaker guarding calls
// to a single upstream dependency (one Policy per object store, per
// source family, per build worker).
type Policy struct {
	breaker     *gobreaker.CircuitBreaker
	maxElapsed  time.Duration
	initialWait time.Duration
}

// Config configures a Policy.
type Config struct {
	// Name identifies the guarded dependency in breaker state-change logs.
	Name string

	// MaxElapsed bounds total retry time for a single Do call.
	MaxElapsed time.Duration

	// InitialInterval is the first backoff wait before doubling.
	InitialInterval time.Duration

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker to open.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before allowing a
	// single trial request through (half-open).
	OpenTimeout time.Duration
}

// New builds a Policy from Config, filling in sensible defaults for any
// zero-valued fields.
func New(cfg Config) *Policy {
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	breakerSettings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	return &Policy{
		breaker:     gobreaker.NewCircuitBreaker(breakerSettings),
		maxElapsed:  cfg.MaxElapsed,
		initialWait: cfg.InitialInterval,
	}
}

// ErrBreakerOpen is returned when the circuit breaker rejects a call
// without attempting it.
var ErrBreakerOpen = errors.New("retry: circuit breaker is open")

// Do runs op through the breaker with exponential-backoff retry. op
// should return retry.Permanent(err) for failures that retrying cannot
// fix (bad request, not found, unauthorized).
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = p.initialWait

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, breakerErr := p.breaker.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
			return struct{}{}, ErrBreakerOpen
		}
		return struct{}{}, breakerErr
	}, backoff.WithBackOff(boff), backoff.WithMaxElapsedTime(p.maxElapsed))

	return err
}

// State reports the breaker's current state for health/status endpoints.
func (p *Policy) State() gobreaker.State {
	return p.breaker.State()
}
