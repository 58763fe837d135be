// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package downloader implements the ingestion loop: one pass over a set
// of source adapters that discovers newly published grids, skips
// anything already cataloged, and fetches/stores/catalogs the rest.
// Structured as a bounded worker pool over discovered candidates; a
// candidate's failure is logged and never stops its siblings.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/pkg/sources"
)

// Config parameterizes one downloader run.
type Config struct {
	// Sources lists the families to poll this invocation. Empty means
	// every family registered.
	Sources []catalog.Family

	// Since bounds Discover: only candidates at or after this watermark
	// are considered (the nomads adapter compares ForecastCycle, the
	// tropical adapter ValidTime). Callers typically pass
	// now minus a lookback window (e.g. 48h) rather than a persisted
	// cursor, since FindExact's skip-if-present check already makes
	// re-discovering old candidates a cheap no-op.
	Since time.Time

	// Concurrency bounds simultaneous in-flight fetches, independent of
	// how many candidates a single Discover call returns.
	Concurrency int
}

// Runner executes downloader passes against a Registry, Store, and
// ObjectStore.
type Runner struct {
	registry *sources.Registry
	catalog  catalog.Store
	store    objectstore.Store
	logger   *logging.Logger
}

// New builds a Runner.
func New(registry *sources.Registry, catalogStore catalog.Store, store objectstore.Store, logger *logging.Logger) *Runner {
	return &Runner{registry: registry, catalog: catalogStore, store: store, logger: logger}
}

// Result summarizes one completed run for logging/metrics.
type Result struct {
	Family     catalog.Family
	Discovered int
	Ingested   int
	Skipped    int
	Failed     int
}

// Run executes one pass: for each family in cfg.Sources (or every
// registered family if empty), Discover candidates, then fetch/store/
// catalog each one not already present. One candidate's failure never
// aborts its siblings.
func (r *Runner) Run(ctx context.Context, cfg Config) ([]Result, error) {
	families := cfg.Sources
	if len(families) == 0 {
		for _, a := range r.registry.All() {
			families = append(families, a.FamilyTag())
		}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]Result, 0, len(families))
	for _, family := range families {
		adapter, ok := r.registry.Get(family)
		if !ok {
			r.logger.Warn("downloader: no adapter registered", "family", family)
			continue
		}

		res, err := r.runFamily(ctx, adapter, cfg.Since, concurrency)
		if err != nil {
			r.logger.Error("downloader: family pass failed", "family", family, "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runFamily(ctx context.Context, adapter sources.Adapter, since time.Time, concurrency int) (Result, error) {
	family := adapter.FamilyTag()
	res := Result{Family: family}

	candidates, err := adapter.Discover(ctx, since)
	if err != nil {
		return res, fmt.Errorf("downloader: discover %s: %w", family, err)
	}
	res.Discovered = len(candidates)

	// Ascending (cycle, valid_time, tau) so a partial run always makes
	// progress on the earliest-needed data first.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ForecastCycle.Equal(b.ForecastCycle) {
			return a.ForecastCycle.Before(b.ForecastCycle)
		}
		if !a.ValidTime.Equal(b.ValidTime) {
			return a.ValidTime.Before(b.ValidTime)
		}
		return a.Tau < b.Tau
	})

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	type outcome struct {
		ingested bool
		skipped  bool
	}
	outcomes := make(chan outcome, len(candidates))

	for _, id := range candidates {
		id := id
		group.Go(func() error {
			o, err := r.ingestOne(gctx, adapter, id)
			if err != nil {
				r.logger.Error("downloader: ingest failed", "family", family, "identity", id, "error", err)
				outcomes <- outcome{}
				return nil // per-candidate isolation: log and move on
			}
			outcomes <- o
			return nil
		})
	}

	// group.Wait never returns an error here (ingestOne errors are
	// swallowed per-candidate above), but errgroup's context-cancellation
	// plumbing is still the reason we use it over a plain WaitGroup.
	_ = group.Wait()
	close(outcomes)

	for o := range outcomes {
		switch {
		case o.ingested:
			res.Ingested++
		case o.skipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// ingestOne handles a single candidate: skip-if-already-cataloged, else
// fetch, put to the object store, then upsert the catalog row. The blob
// is written before the row so the catalog never references bytes that
// aren't durably stored yet.
func (r *Runner) ingestOne(ctx context.Context, adapter sources.Adapter, id catalog.Identity) (struct{ ingested, skipped bool }, error) {
	if _, err := r.catalog.FindExact(ctx, id); err == nil {
		return struct{ ingested, skipped bool }{skipped: true}, nil
	} else if apierrors.KindOf(err) != apierrors.KindNotFound {
		return struct{ ingested, skipped bool }{}, fmt.Errorf("downloader: lookup %v: %w", id, err)
	}

	data, err := adapter.Fetch(ctx, id)
	if err != nil {
		return struct{ ingested, skipped bool }{}, fmt.Errorf("downloader: fetch %v: %w", id, err)
	}

	key := adapter.StorageKey(id)
	if err := r.store.Put(ctx, key, data, "application/octet-stream"); err != nil {
		return struct{ ingested, skipped bool }{}, fmt.Errorf("downloader: put %s: %w", key, err)
	}

	sum := md5.Sum(data)
	entry := catalog.Entry{
		Identity:   id,
		StorageKey: key,
		PayloadMD5: hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(data)),
		IngestedAt: time.Now().UTC(),
		Accessed:   time.Now().UTC(),
	}
	if _, err := r.catalog.Upsert(ctx, entry); err != nil {
		return struct{ ingested, skipped bool }{}, fmt.Errorf("downloader: upsert %v: %w", id, err)
	}

	return struct{ ingested, skipped bool }{ingested: true}, nil
}
