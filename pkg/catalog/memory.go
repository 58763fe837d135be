// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// MemoryStore is an in-process Store used by pkg/selection and
// services/worker tests that don't need to exercise the SQL itself
// (postgres_test.go covers that with sqlmock). Not for production use.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []Entry
	nextID   int64
	requests map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

func (m *MemoryStore) Upsert(ctx context.Context, entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.entries {
		if existing.Identity == entry.Identity {
			entry.ID = existing.ID
			m.entries[i] = entry
			return entry, nil
		}
	}
	m.nextID++
	entry.ID = m.nextID
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryStore) FindExact(ctx context.Context, id Identity) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Identity == id {
			return e, nil
		}
	}
	return Entry{}, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "catalog entry")
}

func (m *MemoryStore) FindCovering(ctx context.Context, family Family, start, end time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Identity.Family != family {
			continue
		}
		if e.Identity.ValidTime.Before(start) || e.Identity.ValidTime.After(end) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Identity.ForecastCycle.Equal(out[j].Identity.ForecastCycle) {
			return out[i].Identity.ForecastCycle.Before(out[j].Identity.ForecastCycle)
		}
		if !out[i].Identity.ValidTime.Equal(out[j].Identity.ValidTime) {
			return out[i].Identity.ValidTime.Before(out[j].Identity.ValidTime)
		}
		return out[i].Identity.Tau < out[j].Identity.Tau
	})
	return out, nil
}

func (m *MemoryStore) ListCycles(ctx context.Context, family Family, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[time.Time]bool{}
	var out []time.Time
	for _, e := range m.entries {
		if e.Identity.Family != family || e.Identity.ForecastCycle.Before(since) {
			continue
		}
		if !seen[e.Identity.ForecastCycle] {
			seen[e.Identity.ForecastCycle] = true
			out = append(out, e.Identity.ForecastCycle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

func (m *MemoryStore) UpsertRequest(ctx context.Context, req Request) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	return req, nil
}

func (m *MemoryStore) FindRequest(ctx context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "request %s", id)
	}
	return req, nil
}

func (m *MemoryStore) ClaimRequest(ctx context.Context, id string, visibilityTimeout time.Duration, now time.Time) (Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return Request{}, false, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "request %s", id)
	}

	claimable := req.Status == RequestQueued ||
		(req.Status == RequestRunning && now.Sub(req.LastDate) > visibilityTimeout)
	if !claimable {
		return Request{}, false, nil
	}

	req.Status = RequestRunning
	req.Try++
	req.LastDate = now
	m.requests[id] = req
	return req, true, nil
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.IngestedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
