// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the request API's HTTP handlers:
// GET /status, POST /build, POST /check. One exported constructor per
// route, closing over its dependencies rather than a global.
package handlers

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/credit"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/services/api/observability"
)

// Deps bundles every dependency a handler constructor needs, built once
// in cmd/api/main.go and passed to routes.SetupRoutes.
type Deps struct {
	Catalog     catalog.Store
	Ledger      credit.Ledger
	Bus         bus.Bus
	ObjectStore objectstore.Store
	Idempotency *redis.Client // nil disables idempotency-key dedup
	Logger      *logging.Logger
	Metrics     *observability.APIMetrics

	// ResultTTL is how long a presigned /build response URL stays valid.
	ResultTTL time.Duration

	// IdempotencyWindow bounds how long a client-supplied idempotency key
	// dedupes a repeat /build call.
	IdempotencyWindow time.Duration
}
