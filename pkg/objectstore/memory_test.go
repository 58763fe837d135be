// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "global/2026073100/f006.grib2", []byte("grid-bytes"), "application/octet-stream"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "global/2026073100/f006.grib2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "grid-bytes" {
		t.Errorf("Get = %q, want %q", got, "grid-bytes")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	if apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Fatalf("KindOf(err) = %v, want KindNotFound", apierrors.KindOf(err))
	}
}

func TestMemoryStore_DeleteThenGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, "k", []byte("v"), "text/plain")

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Error("expected not-found after delete")
	}
}

func TestMemoryStore_Presign(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Put(ctx, "k", []byte("v"), "text/plain")

	url, err := store.Presign(ctx, "k", time.Hour)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if url == "" {
		t.Error("expected non-empty presigned URL")
	}
}
