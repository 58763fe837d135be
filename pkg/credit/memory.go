// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credit

import (
	"context"
	"sync"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// MemoryLedger is an in-process credit.Ledger used by services/api and
// services/worker tests that don't need Postgres/Redis.
type MemoryLedger struct {
	mu      sync.Mutex
	byHash  map[string]*ApiKey
	enforce bool
}

func NewMemoryLedger(enforce bool) *MemoryLedger {
	return &MemoryLedger{byHash: make(map[string]*ApiKey), enforce: enforce}
}

// Seed registers plaintext as a valid key with the given balance.
func (m *MemoryLedger) Seed(plaintext string, key ApiKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key
	m.byHash[plaintext] = &k
}

func (m *MemoryLedger) Authorize(ctx context.Context, plaintext string) (ApiKey, error) {
	if !m.enforce {
		return ApiKey{ID: "unenforced", CreditLimit: Unlimited, Enabled: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byHash[plaintext]
	if !ok {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "unknown api key")
	}
	if !key.Enabled {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "api key disabled")
	}
	if key.Expired(time.Now()) {
		return ApiKey{}, apierrors.Wrap(apierrors.KindUnauthorized, apierrors.ErrUnauthorized, "api key expired")
	}
	return *key, nil
}

func (m *MemoryLedger) Debit(ctx context.Context, apiKeyID string, amount int64) (int64, error) {
	if !m.enforce {
		return Unlimited, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.byHash {
		if key.ID != apiKeyID {
			continue
		}
		if key.CreditLimit != Unlimited && key.Remaining < amount {
			return 0, apierrors.New(apierrors.KindInsufficientCredit, "insufficient credit for api key %s", apiKeyID)
		}
		key.Remaining -= amount
		return key.Remaining, nil
	}
	return 0, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "api key %s", apiKeyID)
}

var _ Ledger = (*MemoryLedger)(nil)
