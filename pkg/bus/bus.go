// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bus is the message bus adapter: a durable, at-least-once work
// queue connecting the request API to the build worker fleet, backed by
// NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Envelope is the self-contained work message: workers resolve
// everything they need from the envelope and the catalog, never from
// API-side in-memory state.
type Envelope struct {
	RequestID   string    `json:"request_id"`
	SpecJSON    string    `json:"spec_json"`
	ApiKeyID    string    `json:"api_key"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Delivery wraps a received Envelope with its acknowledgement handles.
// The worker must call exactly one of Ack or Nak per delivery.
type Delivery struct {
	Envelope Envelope
	Ack      func() error
	Nak      func() error
}

// Bus is the capability interface services/api and services/worker
// depend on, so a MemoryBus can stand in for tests without a live NATS
// server.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// JetStreamBus is the production Bus.
type JetStreamBus struct {
	conn        *nats.Conn
	js          nats.JetStreamContext
	streamName  string
	subject     string
	durableName string
}

// Config configures a JetStreamBus connection.
type Config struct {
	URL         string
	StreamName  string
	Subject     string
	DurableName string
}

// New connects to NATS and ensures the durable work-queue stream exists.
func New(cfg Config) (*JetStreamBus, error) {
	if cfg.Subject == "" {
		cfg.Subject = cfg.StreamName + ".builds"
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("metget-server"))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("bus: ensure stream %s: %w", cfg.StreamName, err)
	}

	return &JetStreamBus{
		conn:        conn,
		js:          js,
		streamName:  cfg.StreamName,
		subject:     cfg.Subject,
		durableName: cfg.DurableName,
	}, nil
}

// Publish persists env to the durable stream. JetStream's Publish blocks
// until the server acknowledges the write, giving the caller a durable
// handoff rather than a fire-and-forget send.
func (b *JetStreamBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	_, err = b.js.Publish(b.subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Consume returns a channel of Deliveries from a durable pull consumer.
// Each Delivery must be Ack'd or Nak'd exactly once; an unacknowledged
// message redelivers after the consumer's ack wait elapses, giving the
// worker fleet its at-least-once semantics.
func (b *JetStreamBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	sub, err := b.js.PullSubscribe(b.subject, b.durableName)
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				return
			}
			for _, msg := range msgs {
				var env Envelope
				if err := json.Unmarshal(msg.Data, &env); err != nil {
					_ = msg.Term()
					continue
				}
				select {
				case out <- Delivery{Envelope: env, Ack: func() error { return msg.Ack() }, Nak: func() error { return msg.Nak() }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *JetStreamBus) Close() error {
	b.conn.Close()
	return nil
}

var _ Bus = (*JetStreamBus)(nil)
