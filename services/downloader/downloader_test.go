// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package downloader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/pkg/sources"
)

// fakeAdapter is an in-test Source Adapter producing a fixed candidate
// list without touching the network.
type fakeAdapter struct {
	family     catalog.Family
	candidates []catalog.Identity
	fetchCalls int
}

func (f *fakeAdapter) FamilyTag() catalog.Family { return f.family }

func (f *fakeAdapter) Discover(ctx context.Context, since time.Time) ([]catalog.Identity, error) {
	return f.candidates, nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, id catalog.Identity) ([]byte, error) {
	f.fetchCalls++
	return []byte(fmt.Sprintf("payload-%s", id.ForecastCycle)), nil
}

func (f *fakeAdapter) StorageKey(id catalog.Identity) string {
	return string(f.family) + "/" + id.ForecastCycle.Format(time.RFC3339)
}

func TestRunner_IngestsNewCandidatesAndSkipsCataloged(t *testing.T) {
	cycle := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{
		family: catalog.FamilyGlobal,
		candidates: []catalog.Identity{
			{Family: catalog.FamilyGlobal, ForecastCycle: cycle, Tau: 3 * time.Hour},
			{Family: catalog.FamilyGlobal, ForecastCycle: cycle, Tau: 6 * time.Hour},
		},
	}

	catalogStore := catalog.NewMemoryStore()
	// Pre-catalog the first candidate so the runner must skip it.
	_, err := catalogStore.Upsert(context.Background(), catalog.Entry{Identity: adapter.candidates[0]})
	require.NoError(t, err)

	store := objectstore.NewMemoryStore()
	registry := sources.NewRegistry()
	registry.Register(adapter)
	runner := New(registry, catalogStore, store, logging.Default("test"))

	results, err := runner.Run(context.Background(), Config{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	require.Equal(t, 2, res.Discovered)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Ingested)
	require.Equal(t, 0, res.Failed)
	require.Equal(t, 1, adapter.fetchCalls)

	entry, err := catalogStore.FindExact(context.Background(), adapter.candidates[1])
	require.NoError(t, err)
	require.Equal(t, adapter.StorageKey(adapter.candidates[1]), entry.StorageKey)
}

func TestRunner_IsolatesPerCandidateFailures(t *testing.T) {
	cycle := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	adapter := &failingFetchAdapter{
		fakeAdapter: &fakeAdapter{
			family: catalog.FamilyRegional,
			candidates: []catalog.Identity{
				{Family: catalog.FamilyRegional, ForecastCycle: cycle, Tau: 0},
				{Family: catalog.FamilyRegional, ForecastCycle: cycle, Tau: 1 * time.Hour},
			},
		},
		failTau: 0,
	}

	catalogStore := catalog.NewMemoryStore()
	store := objectstore.NewMemoryStore()
	registry := sources.NewRegistry()
	registry.Register(adapter)
	runner := New(registry, catalogStore, store, logging.Default("test"))

	results, err := runner.Run(context.Background(), Config{Concurrency: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].Failed)
	require.Equal(t, 1, results[0].Ingested)
}

type failingFetchAdapter struct {
	*fakeAdapter
	failTau time.Duration
}

func (f *failingFetchAdapter) Fetch(ctx context.Context, id catalog.Identity) ([]byte, error) {
	if id.Tau == f.failTau {
		return nil, fmt.Errorf("upstream exploded")
	}
	return f.fakeAdapter.Fetch(ctx, id)
}
