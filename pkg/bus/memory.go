// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by services/api and
// services/worker tests that don't need a live NATS server. Delivered
// envelopes are buffered until a Consume channel reads them; Nak puts
// the envelope back at the tail of the queue, approximating JetStream's
// redelivery behavior closely enough for retry-path tests.
type MemoryBus struct {
	mu      sync.Mutex
	queue   []Envelope
	pending chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{pending: make(chan struct{}, 1)}
}

func (m *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	select {
	case m.pending <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-m.pending:
					continue
				}
			}
			env := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			delivered := env
			select {
			case out <- Delivery{
				Envelope: delivered,
				Ack:      func() error { return nil },
				Nak: func() error {
					m.mu.Lock()
					m.queue = append(m.queue, delivered)
					m.mu.Unlock()
					select {
					case m.pending <- struct{}{}:
					default:
					}
					return nil
				},
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MemoryBus) Close() error { return nil }

var _ Bus = (*MemoryBus)(nil)
