// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credit is the credit ledger: it authorizes API keys and
// atomically debits their remaining balance as builds are assembled.
// Debit is a single compare-and-decrement UPDATE so two concurrent
// requests against the same key can never overdraw it, and Authorize is
// fronted by a short-TTL Redis cache so the hot auth path on every
// request doesn't hit Postgres.
package credit

import "time"

// ApiKey is one issued credential. CreditLimit of -1 means unlimited
// (enforcement bypassed); Remaining is meaningless in that case.
//
// Permissions is a per-source allow-list: Permissions[service] true means
// the key may request that model family. A nil or empty map is treated as
// "all sources allowed" so existing unrestricted keys keep working.
// Expiration is the zero time for keys that never expire.
type ApiKey struct {
	ID          string
	Owner       string
	CreditLimit int64
	Remaining   int64
	Enabled     bool
	Expiration  time.Time
	Permissions map[string]bool
	CreatedAt   time.Time
}

// Permits reports whether this key is authorized to request service. An
// empty Permissions map allows every service, matching keys issued before
// per-source allow-lists existed.
func (k ApiKey) Permits(service string) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	return k.Permissions[service]
}

// Expired reports whether this key's expiration has passed as of now. A
// zero Expiration never expires.
func (k ApiKey) Expired(now time.Time) bool {
	return !k.Expiration.IsZero() && now.After(k.Expiration)
}

// Unlimited is the sentinel CreditLimit value meaning enforcement does
// not apply to this key.
const Unlimited int64 = -1

// CellFactor is the per-output-format credit cost of one grid cell,
// keyed by RequestSpec.Format. These constants are a placeholder
// tariff, not a calibrated production one. NetCDF formats cost more
// than ASCII per cell to reflect their heavier per-cell metadata;
// unrecognized formats fall back to DefaultCellFactor.
//
// TODO: replace with the billed tariff table once accounting publishes
// per-format rates.
var CellFactor = map[string]int64{
	"owi-ascii":  1,
	"owi-netcdf": 2,
	"ras-netcdf": 2,
	"delft3d":    1,
}

// DefaultCellFactor applies when RequestSpec.Format isn't a recognized
// key of CellFactor (validation should have already rejected this, but
// EstimateUsage must still return a sane number rather than zero-rating
// a malformed spec that slipped through).
const DefaultCellFactor int64 = 1
