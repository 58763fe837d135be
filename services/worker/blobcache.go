// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package worker

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/waterinstitute/metget-server/pkg/objectstore"
)

// BlobCache fronts objectstore.Store.Get with an on-disk cache of
// recently-used input grids, so a build touching the same forecast cycle
// across many timesteps fetches each blob from the bucket once. Entries
// are never evicted or expired: the cache keeps every blob it has
// fetched for the life of the badger database.
type BlobCache struct {
	db    *badger.DB
	store objectstore.Store
}

// OpenBlobCache opens (or creates) a badger database at dir backing a
// cache for store. An empty dir opens an in-memory database, useful for
// tests and for workers that would rather not persist the cache across
// restarts.
func OpenBlobCache(dir string, store objectstore.Store) (*BlobCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("worker: open blob cache: %w", err)
	}
	return &BlobCache{db: db, store: store}, nil
}

// Close releases the underlying badger database.
func (c *BlobCache) Close() error {
	return c.db.Close()
}

// Get returns key's bytes, serving from cache when present and otherwise
// falling through to the object store and populating the cache for next
// time. The downloader writes each blob under a stable identity-derived
// key, so a cache hit is always byte-identical to re-fetching.
func (c *BlobCache) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.lookup(key); ok {
		return data, nil
	}

	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return data, nil
}

func (c *BlobCache) lookup(key string) ([]byte, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}
