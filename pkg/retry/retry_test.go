// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Do_RetriesTransientFailure(t *testing.T) {
	p := New(Config{Name: "test", InitialInterval: time.Millisecond, MaxElapsed: time.Second})

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPolicy_Do_PermanentStopsRetrying(t *testing.T) {
	p := New(Config{Name: "test", InitialInterval: time.Millisecond, MaxElapsed: time.Second})

	attempts := 0
	wantErr := errors.New("not found")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(wantErr)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent error)", attempts)
	}
}

func TestPolicy_Do_OpensBreakerAfterConsecutiveFailures(t *testing.T) {
	p := New(Config{
		Name:             "test",
		InitialInterval:  time.Millisecond,
		MaxElapsed:       50 * time.Millisecond,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	for i := 0; i < 2; i++ {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			return Permanent(errors.New("upstream down"))
		})
	}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		t.Fatal("operation should not run while breaker is open")
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
}
