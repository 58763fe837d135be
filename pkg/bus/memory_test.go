// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBus_PublishConsume(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Publish(ctx, Envelope{RequestID: "req-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deliveries, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	select {
	case d := <-deliveries:
		if d.Envelope.RequestID != "req-1" {
			t.Errorf("RequestID = %q, want req-1", d.Envelope.RequestID)
		}
		if err := d.Ack(); err != nil {
			t.Errorf("Ack: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_NakRequeues(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.Publish(ctx, Envelope{RequestID: "req-1"})
	deliveries, _ := b.Consume(ctx)

	first := <-deliveries
	if err := first.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	select {
	case second := <-deliveries:
		if second.Envelope.RequestID != "req-1" {
			t.Errorf("RequestID = %q, want req-1", second.Envelope.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for requeued delivery")
	}
}
