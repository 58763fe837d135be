// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// Ledger is the capability interface services/api and services/worker
// depend on, so a MemoryLedger can stand in for tests without a live
// Postgres/Redis pair.
type Ledger interface {
	Authorize(ctx context.Context, plaintext string) (ApiKey, error)
	Debit(ctx context.Context, apiKeyID string, amount int64) (int64, error)
}

// PostgresLedger is the production Ledger: Postgres is the system of
// record, Redis is a read-through cache for the hot Authorize path.
type PostgresLedger struct {
	db       *sqlx.DB
	cache    *redis.Client
	cacheTTL time.Duration
	enforce  bool
}

// New builds a PostgresLedger. enforce mirrors
// METGET_ENFORCE_CREDIT_LIMITS: when false, Authorize and Debit both
// short-circuit to always-ok without touching Postgres or Redis.
func New(db *sqlx.DB, cache *redis.Client, cacheTTL time.Duration, enforce bool) *PostgresLedger {
	return &PostgresLedger{db: db, cache: cache, cacheTTL: cacheTTL, enforce: enforce}
}

var _ Ledger = (*PostgresLedger)(nil)

func hashKey(plaintext string) string {
	// The plaintext is sealed in a memguard enclave for the lifetime of
	// this call so it isn't left sitting in the Go heap/GC-scanned
	// memory any longer than the hash computation needs it.
	enclave := memguard.NewEnclave([]byte(plaintext))
	buf, err := enclave.Open()
	if err != nil {
		sum := sha256.Sum256([]byte(plaintext))
		return hex.EncodeToString(sum[:])
	}
	defer buf.Destroy()

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Authorize resolves a presented API key to its ApiKey record. It fails
// with apierrors.KindUnauthorized if the key is unknown or disabled.
func (l *PostgresLedger) Authorize(ctx context.Context, plaintext string) (ApiKey, error) {
	if !l.enforce {
		return ApiKey{ID: "unenforced", CreditLimit: Unlimited, Enabled: true}, nil
	}

	hash := hashKey(plaintext)

	if l.cache != nil {
		if cached, err := l.cache.Get(ctx, cacheKey(hash)).Result(); err == nil {
			var key ApiKey
			if jsonErr := json.Unmarshal([]byte(cached), &key); jsonErr == nil {
				return key, nil
			}
		}
	}

	key, err := l.lookupByHash(ctx, hash)
	if err != nil {
		return ApiKey{}, err
	}
	if !key.Enabled {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "api key disabled")
	}
	if key.Expired(time.Now()) {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "api key expired")
	}

	if l.cache != nil {
		if data, err := json.Marshal(key); err == nil {
			l.cache.Set(ctx, cacheKey(hash), data, l.cacheTTL)
			l.cache.Set(ctx, idIndexKey(key.ID), hash, l.cacheTTL)
		}
	}

	return key, nil
}

const lookupByHashSQL = `
SELECT id, owner, credit_limit, remaining, enabled, expiration, permissions, created_at
FROM apikeys WHERE key_hash = $1
`

func (l *PostgresLedger) lookupByHash(ctx context.Context, hash string) (ApiKey, error) {
	var key ApiKey
	var expiration sql.NullTime
	var permissions []byte
	err := l.db.QueryRowxContext(ctx, lookupByHashSQL, hash).Scan(
		&key.ID, &key.Owner, &key.CreditLimit, &key.Remaining, &key.Enabled,
		&expiration, &permissions, &key.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "unknown api key")
	}
	if err != nil {
		return ApiKey{}, fmt.Errorf("credit: lookup by hash: %w", err)
	}
	if expiration.Valid {
		key.Expiration = expiration.Time
	}
	if len(permissions) > 0 {
		if jsonErr := json.Unmarshal(permissions, &key.Permissions); jsonErr != nil {
			return ApiKey{}, fmt.Errorf("credit: decode permissions: %w", jsonErr)
		}
	}
	return key, nil
}

const debitSQL = `
UPDATE apikeys SET remaining = remaining - $2
WHERE id = $1 AND (credit_limit = -1 OR remaining >= $2)
RETURNING remaining
`

// Debit atomically decrements apiKeyID's remaining balance by amount.
// It fails with apierrors.KindInsufficientCredit if amount would
// overdraw the key, and never performs a separate read before the
// write; the WHERE clause is the only check.
func (l *PostgresLedger) Debit(ctx context.Context, apiKeyID string, amount int64) (int64, error) {
	if !l.enforce {
		return Unlimited, nil
	}

	var remaining int64
	err := l.db.QueryRowxContext(ctx, debitSQL, apiKeyID, amount).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apierrors.New(apierrors.KindInsufficientCredit, "insufficient credit for api key %s", apiKeyID)
	}
	if err != nil {
		return 0, fmt.Errorf("credit: debit: %w", err)
	}

	l.invalidateCache(ctx, apiKeyID)
	return remaining, nil
}

func (l *PostgresLedger) invalidateCache(ctx context.Context, apiKeyID string) {
	if l.cache == nil {
		return
	}
	hash, err := l.cache.Get(ctx, idIndexKey(apiKeyID)).Result()
	if err != nil {
		return
	}
	l.cache.Del(ctx, cacheKey(hash), idIndexKey(apiKeyID))
}

func cacheKey(hash string) string { return "apikey:hash:" + hash }
func idIndexKey(id string) string { return "apikey:id:" + id }
