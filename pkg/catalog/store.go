// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"time"
)

// Store is the catalog's capability interface. pkg/selection and
// services/worker depend on Store, never on the database pool directly,
// so a fake can stand in for tests.
type Store interface {
	// Upsert inserts or, on a conflicting Identity, updates an Entry.
	// The underlying unique constraint on (family, identity columns) is
	// what makes this safe against two downloader processes racing to
	// ingest the same candidate.
	Upsert(ctx context.Context, entry Entry) (Entry, error)

	// FindExact returns the Entry matching id exactly, or ErrNotFound.
	FindExact(ctx context.Context, id Identity) (Entry, error)

	// FindCovering returns every Entry of family whose valid_time falls
	// in [start, end], ordered ascending by (forecast_cycle, valid_time,
	// tau) so callers never need to sort in Go.
	FindCovering(ctx context.Context, family Family, start, end time.Time) ([]Entry, error)

	// ListCycles returns the distinct forecast cycles ingested for
	// family within the window, newest first.
	ListCycles(ctx context.Context, family Family, since time.Time) ([]time.Time, error)

	// UpsertRequest inserts or updates a Request by ID.
	UpsertRequest(ctx context.Context, req Request) (Request, error)

	// FindRequest returns the Request with id, or ErrNotFound.
	FindRequest(ctx context.Context, id string) (Request, error)

	// ClaimRequest atomically transitions a Request to running and
	// increments Try, but only if its current status is queued, or it is
	// running with a LastDate older than visibilityTimeout (a worker that
	// crashed mid-build without acking). Returns ok=false if some other
	// worker already holds a live claim.
	ClaimRequest(ctx context.Context, id string, visibilityTimeout time.Duration, now time.Time) (req Request, ok bool, err error)

	// Prune deletes catalog entries ingested before olderThan. Exposed
	// per the retention open question: no service schedules calls to
	// this today, it is available for an external cron trigger.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
