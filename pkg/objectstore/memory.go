// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// MemoryStore is an in-process Store for tests that don't need a live
// GCS bucket (downloader, build worker, source adapter tests).
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "object %s", key)
	}
	return data, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Presign(ctx context.Context, key string, expires time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "object %s", key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(expires).Unix()), nil
}

var _ Store = (*MemoryStore)(nil)
