// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/credit"
	"github.com/waterinstitute/metget-server/pkg/validation"
	"github.com/waterinstitute/metget-server/services/api/middleware"
)

// buildIntakeTimeout bounds the debit + persist + publish sequence: the
// server's deadline covers the whole HTTP round trip, but the intake
// sequence itself must never block on a slow downstream for anywhere
// near that long, since it is the one synchronous path every /build
// call takes.
const buildIntakeTimeout = 30 * time.Second

// BuildResponse is the POST /build success body.
type BuildResponse struct {
	RequestID  string `json:"request_id"`
	RequestURL string `json:"request_url"`
}

// Build handles POST /build: authenticate (done by middleware before
// this handler runs), validate the request spec, debit credit, persist
// the Request row, publish the envelope, and return a presigned result
// URL. Never blocks on the build itself; that happens in
// services/worker after the envelope is consumed.
func Build(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, ok := middleware.GetApiKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		if idemKey := c.GetHeader("Idempotency-Key"); idemKey != "" && deps.Idempotency != nil {
			if resp, found := lookupIdempotentResponse(c.Request.Context(), deps, idemKey); found {
				c.JSON(http.StatusOK, resp)
				return
			}
		}

		var spec catalog.RequestSpec
		if err := json.Unmarshal(body, &spec); err != nil {
			deps.denyMetric("validation")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request spec json"})
			return
		}
		if err := validation.Validator().Struct(&spec); err != nil {
			deps.denyMetric("validation")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request spec", "details": err.Error()})
			return
		}

		for _, d := range spec.Domains {
			if !apiKey.Permits(string(d.Service)) {
				deps.denyMetric("auth")
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "api key lacks permission for service " + string(d.Service)})
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), buildIntakeTimeout)
		defer cancel()

		usage := credit.EstimateUsage(spec)
		if _, err := deps.Ledger.Debit(ctx, apiKey.ID, usage); err != nil {
			deps.denyMetric("credit")
			status := apierrors.HTTPStatus(apierrors.KindOf(err))
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		requestID := uuid.New().String()
		outputKey := requestID + "/" + spec.Filename

		now := time.Now().UTC()
		req := catalog.Request{
			ID:          requestID,
			ApiKeyID:    apiKey.ID,
			SourceIP:    c.ClientIP(),
			Spec:        spec,
			Status:      catalog.RequestQueued,
			OutputKey:   outputKey,
			CreditUsage: usage,
			InputData:   string(body),
			StartDate:   now,
			LastDate:    now,
		}
		if _, err := deps.Catalog.UpsertRequest(ctx, req); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to persist request: " + err.Error()})
			return
		}

		requestURL, err := deps.ObjectStore.Presign(ctx, outputKey, deps.ResultTTL)
		if err != nil {
			deps.Logger.Error("build: presign failed", "request_id", requestID, "error", err)
			requestURL = ""
		}

		envelope := bus.Envelope{
			RequestID:   requestID,
			SpecJSON:    string(body),
			ApiKeyID:    apiKey.ID,
			SubmittedAt: now,
		}
		if err := deps.Bus.Publish(ctx, envelope); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to publish build request: " + err.Error()})
			return
		}

		resp := BuildResponse{RequestID: requestID, RequestURL: requestURL}

		if idemKey := c.GetHeader("Idempotency-Key"); idemKey != "" && deps.Idempotency != nil {
			storeIdempotentResponse(ctx, deps, idemKey, resp)
		}

		if deps.Metrics != nil {
			deps.Metrics.BuildsAccepted.WithLabelValues(spec.Format).Inc()
			deps.Metrics.CreditDebited.Add(float64(usage))
		}

		c.JSON(http.StatusOK, resp)
	}
}

// denyMetric records a /build rejection by reason, a no-op if deps
// carries no Metrics (e.g. in unit tests).
func (deps Deps) denyMetric(reason string) {
	if deps.Metrics != nil {
		deps.Metrics.BuildsDenied.WithLabelValues(reason).Inc()
	}
}

func idempotencyCacheKey(key string) string { return "idempotency:build:" + key }

// lookupIdempotentResponse returns the cached BuildResponse for a prior
// call bearing the same Idempotency-Key, if the window hasn't expired.
func lookupIdempotentResponse(ctx context.Context, deps Deps, idemKey string) (BuildResponse, bool) {
	cached, err := deps.Idempotency.Get(ctx, idempotencyCacheKey(idemKey)).Result()
	if errors.Is(err, redis.Nil) || err != nil {
		return BuildResponse{}, false
	}
	var resp BuildResponse
	if err := json.Unmarshal([]byte(cached), &resp); err != nil {
		return BuildResponse{}, false
	}
	return resp, true
}

func storeIdempotentResponse(ctx context.Context, deps Deps, idemKey string, resp BuildResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	window := deps.IdempotencyWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	deps.Idempotency.Set(ctx, idempotencyCacheKey(idemKey), data, window)
}
