// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sources defines the source adapter interface and registry:
// one adapter per upstream model family, each able to list newly
// available grids since a watermark and fetch their bytes. Adapters are
// stateless; everything durable lives in the catalog.
package sources

import (
	"context"
	"sync"
	"time"

	"github.com/waterinstitute/metget-server/pkg/catalog"
)

// Adapter discovers and fetches grids for one model family. Discover
// lists candidates newer than since; Fetch retrieves one candidate's
// bytes; StorageKey derives the object-store key the downloader writes
// them under, kept on the adapter (not the caller) since the key layout
// is family-specific (cycle/tau vs storm/advisory).
type Adapter interface {
	FamilyTag() catalog.Family
	Discover(ctx context.Context, since time.Time) ([]catalog.Identity, error)
	Fetch(ctx context.Context, id catalog.Identity) ([]byte, error)
	StorageKey(id catalog.Identity) string
}

// Registry is the tagged-variant lookup services/downloader uses to
// resolve METGET_DOWNLOADER_SOURCES entries to their Adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[catalog.Family]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[catalog.Family]Adapter)}
}

// Register adds or replaces the Adapter for its FamilyTag.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.FamilyTag()] = a
}

// Get returns the Adapter registered for family, if any.
func (r *Registry) Get(family catalog.Family) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[family]
	return a, ok
}

// All returns every registered Adapter, in no particular order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
