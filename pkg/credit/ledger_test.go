// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

func newTestLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return New(sqlx.NewDb(db, "sqlmock"), rdb, 0, true), mock
}

func TestPostgresLedger_Authorize_CachesOnSuccess(t *testing.T) {
	ledger, mock := newTestLedger(t)

	rows := sqlmock.NewRows([]string{"id", "owner", "credit_limit", "remaining", "enabled", "expiration", "permissions", "created_at"}).
		AddRow("key-1", "usace", int64(1000), int64(500), true, nil, []byte(`{}`), time.Now())
	mock.ExpectQuery(`SELECT .* FROM apikeys WHERE key_hash`).WillReturnRows(rows)

	key, err := ledger.Authorize(context.Background(), "plaintext-key")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if key.ID != "key-1" {
		t.Errorf("ID = %q, want key-1", key.ID)
	}

	// Second call should hit the Redis cache, not issue another query.
	key2, err := ledger.Authorize(context.Background(), "plaintext-key")
	if err != nil {
		t.Fatalf("Authorize (cached): %v", err)
	}
	if key2.ID != key.ID {
		t.Errorf("cached ID = %q, want %q", key2.ID, key.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations (cache should've avoided a second query): %v", err)
	}
}

func TestPostgresLedger_Authorize_Unknown(t *testing.T) {
	ledger, mock := newTestLedger(t)
	mock.ExpectQuery(`SELECT .* FROM apikeys WHERE key_hash`).WillReturnError(sqlNoRowsErr())

	_, err := ledger.Authorize(context.Background(), "bogus")
	if apierrors.KindOf(err) != apierrors.KindUnauthorized {
		t.Fatalf("KindOf(err) = %v, want KindUnauthorized", apierrors.KindOf(err))
	}
}

func TestPostgresLedger_Debit_InsufficientCredit(t *testing.T) {
	ledger, mock := newTestLedger(t)
	mock.ExpectQuery(`UPDATE apikeys SET remaining`).WillReturnError(sqlNoRowsErr())

	_, err := ledger.Debit(context.Background(), "key-1", 10000)
	if apierrors.KindOf(err) != apierrors.KindInsufficientCredit {
		t.Fatalf("KindOf(err) = %v, want KindInsufficientCredit", apierrors.KindOf(err))
	}
}

func TestUnenforced_AlwaysOK(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()
	ledger := New(sqlx.NewDb(db, "sqlmock"), nil, 0, false)

	key, err := ledger.Authorize(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if key.CreditLimit != Unlimited {
		t.Errorf("CreditLimit = %d, want Unlimited", key.CreditLimit)
	}

	remaining, err := ledger.Debit(context.Background(), "anything", 1_000_000)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if remaining != Unlimited {
		t.Errorf("remaining = %d, want Unlimited", remaining)
	}
}

func sqlNoRowsErr() error {
	return sql.ErrNoRows
}
