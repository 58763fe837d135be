// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPostgresStore_Upsert(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "family", "forecast_cycle", "valid_time", "tau_seconds", "ensemble_member",
		"storm_name", "basin", "advisory", "storage_key", "payload_md5", "size_bytes", "ingested_at", "accessed", "payload_meta"}
	rows := sqlmock.NewRows(cols).AddRow(
		1, "global", now, now.Add(6*time.Hour), int64(21600), nil, nil, nil, nil,
		"global/2026073100/f006.grib2", "abc123", int64(4096), now, now, []byte(`{}`),
	)
	mock.ExpectQuery(`INSERT INTO catalog_entries`).WillReturnRows(rows)

	entry, err := store.Upsert(context.Background(), Entry{
		Identity: Identity{
			Family:        FamilyGlobal,
			ForecastCycle: now,
			ValidTime:     now.Add(6 * time.Hour),
			Tau:           6 * time.Hour,
		},
		StorageKey: "global/2026073100/f006.grib2",
		PayloadMD5: "abc123",
		SizeBytes:  4096,
		IngestedAt: now,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if entry.ID != 1 {
		t.Errorf("ID = %d, want 1", entry.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_FindExact_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM catalog_entries`).WillReturnError(sql.ErrNoRows)

	_, err := store.FindExact(context.Background(), Identity{Family: FamilyGlobal})
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestPostgresStore_ClaimRequest_AlreadyRunning(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE requests`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM requests`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "apikey_id", "source_ip", "spec", "status", "try",
			"output_key", "credit_usage", "input_data", "message", "start_date", "last_date"}).
			AddRow("req-1", "key-1", "", []byte(`{}`), "running", 1, "", 0, "", "", time.Now(), time.Now()),
	)

	_, ok, err := store.ClaimRequest(context.Background(), "req-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a live running claim")
	}
}

func TestPostgresStore_Prune(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM catalog_entries`).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Prune(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
}
