// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker implements the build worker: the bus consumer that
// turns a queued Request into a composed, encoded output artifact. Each
// envelope moves through received -> running -> {completed | error |
// requeued}, with blob fetches, re-gridder calls and artifact uploads
// routed through a shared breaker-and-backoff policy; catalog calls are
// made directly.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/retry"
	"github.com/waterinstitute/metget-server/pkg/selection"
)

// Config parameterizes a Worker.
type Config struct {
	// MaxTries bounds ClaimRequest/transient-retry attempts before a
	// request is given up on permanently. Default 3.
	MaxTries int

	// VisibilityTimeout is how stale a running request's LastDate must be
	// before ClaimRequest treats it as abandoned and reclaims it.
	VisibilityTimeout time.Duration

	// RetryMaxElapsed bounds the in-process backoff around each
	// fetch/regrid call. Zero uses pkg/retry's default; bus-level
	// redelivery still applies after this budget is spent.
	RetryMaxElapsed time.Duration
}

// Worker consumes build envelopes from the bus and drives each through
// Selection, re-gridding, composition, encoding, and upload.
type Worker struct {
	cfg       Config
	catalog   catalog.Store
	bus       bus.Bus
	cache     *BlobCache
	regridder Regridder
	logger    *logging.Logger
	breaker   *retry.Policy
}

// New builds a Worker.
func New(cfg Config, catalogStore catalog.Store, msgBus bus.Bus, cache *BlobCache, regridder Regridder, logger *logging.Logger) *Worker {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Minute
	}
	return &Worker{
		cfg:       cfg,
		catalog:   catalogStore,
		bus:       msgBus,
		cache:     cache,
		regridder: regridder,
		logger:    logger,
		breaker:   retry.New(retry.Config{Name: "worker:regrid", MaxElapsed: cfg.RetryMaxElapsed}),
	}
}

// Run consumes deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.bus.Consume(ctx)
	if err != nil {
		return fmt.Errorf("worker: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

// handle drives one envelope through the state machine. It never
// returns an error: every outcome resolves to exactly one Ack or Nak
// call on the delivery, which is what keeps at-least-once delivery from
// turning into zero-or-twice processing.
func (w *Worker) handle(ctx context.Context, d bus.Delivery) {
	logger := w.logger.With("request_id", d.Envelope.RequestID)

	req, ok, err := w.catalog.ClaimRequest(ctx, d.Envelope.RequestID, w.cfg.VisibilityTimeout, time.Now().UTC())
	if err != nil {
		logger.Error("worker: claim failed", "error", err)
		w.nak(logger, d)
		return
	}
	if !ok {
		// Already terminal, or another worker holds a live claim: this
		// delivery is a harmless duplicate.
		w.ack(logger, d)
		return
	}

	plan, err := selection.Select(ctx, w.catalog, req.Spec)
	if err != nil {
		if apierrors.KindOf(err) == apierrors.KindValidation || apierrors.KindOf(err) == apierrors.KindCoverageGap {
			w.finishPermanently(ctx, logger, d, req, err)
			return
		}
		w.finishTransiently(ctx, logger, d, req, err)
		return
	}

	output, err := w.buildArtifact(ctx, req.Spec, plan)
	if err != nil {
		if apierrors.KindOf(err) == apierrors.KindValidation || apierrors.KindOf(err) == apierrors.KindCoverageGap {
			w.finishPermanently(ctx, logger, d, req, err)
			return
		}
		w.finishTransiently(ctx, logger, d, req, err)
		return
	}

	if err := w.uploadArtifact(ctx, req.OutputKey, output); err != nil {
		w.finishTransiently(ctx, logger, d, req, err)
		return
	}

	req.Status = catalog.RequestCompleted
	req.LastDate = time.Now().UTC()
	req.Message = summarize(plan)
	if _, err := w.catalog.UpsertRequest(ctx, req); err != nil {
		logger.Error("worker: persist completion failed", "error", err)
		w.nak(logger, d)
		return
	}
	w.ack(logger, d)
}

// buildArtifact pulls bytes for every plan cell, hands them to the
// Regridder, composes the level-stacked result, and encodes it. Wrapped
// in the worker's breaker so a crashing re-gridder trips open rather
// than burning every in-flight request's retry budget against it.
func (w *Worker) buildArtifact(ctx context.Context, spec catalog.RequestSpec, plan selection.Plan) ([]byte, error) {
	timesteps := make([]composedTimestep, 0, len(plan.Timesteps))

	for _, ts := range plan.Timesteps {
		grids := make(map[string][]Grid, len(ts.Cells))
		for _, cell := range ts.Cells {
			if cell.Null {
				// Nothing to fetch or regrid; encode writes the
				// request's null_value for this cell.
				continue
			}
			var cellGrids []Grid
			err := w.breaker.Do(ctx, func(ctx context.Context) error {
				raw, err := w.cache.Get(ctx, cell.Entry.StorageKey)
				if err != nil {
					return fmt.Errorf("worker: fetch %s: %w", cell.Entry.StorageKey, err)
				}
				cellGrids, err = w.regridder.Regrid(ctx, raw, cell.Domain)
				if err != nil {
					return fmt.Errorf("worker: regrid %s: %w", cell.Domain.Name, err)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			grids[cell.Domain.Name] = cellGrids
		}
		timesteps = append(timesteps, compose(ts, grids))
	}

	return encode(spec.Format, spec.NullValue, timesteps)
}

func (w *Worker) uploadArtifact(ctx context.Context, outputKey string, data []byte) error {
	return w.breaker.Do(ctx, func(ctx context.Context) error {
		return w.cache.store.Put(ctx, outputKey, data, contentTypeFor(outputKey))
	})
}

func contentTypeFor(key string) string {
	return "application/octet-stream"
}

// finishPermanently handles failures no retry can fix: validation
// failures and unrecoverable coverage gaps.
func (w *Worker) finishPermanently(ctx context.Context, logger *logging.Logger, d bus.Delivery, req catalog.Request, cause error) {
	req.Status = catalog.RequestError
	req.LastDate = time.Now().UTC()
	req.Message = errorMessage(cause)
	if _, err := w.catalog.UpsertRequest(ctx, req); err != nil {
		logger.Error("worker: persist permanent failure", "error", err)
	}
	logger.Warn("worker: request failed permanently", "error", cause)
	w.ack(logger, d)
}

// finishTransiently handles recoverable failures: don't ack below the
// try bound so the bus redelivers; beyond the bound, give up and mark
// the request an error.
func (w *Worker) finishTransiently(ctx context.Context, logger *logging.Logger, d bus.Delivery, req catalog.Request, cause error) {
	if req.Try < w.cfg.MaxTries {
		logger.Warn("worker: transient failure, will retry", "try", req.Try, "max_tries", w.cfg.MaxTries, "error", cause)
		w.nak(logger, d)
		return
	}

	logger.Error("worker: exhausted retries, giving up", "try", req.Try, "error", cause)
	req.Status = catalog.RequestError
	req.LastDate = time.Now().UTC()
	req.Message = errorMessage(cause)
	if _, err := w.catalog.UpsertRequest(ctx, req); err != nil {
		logger.Error("worker: persist exhausted-retry failure", "error", err)
	}
	w.ack(logger, d)
}

func (w *Worker) ack(logger *logging.Logger, d bus.Delivery) {
	if err := d.Ack(); err != nil {
		logger.Error("worker: ack failed", "error", err)
	}
}

func (w *Worker) nak(logger *logging.Logger, d bus.Delivery) {
	if err := d.Nak(); err != nil {
		logger.Error("worker: nak failed", "error", err)
	}
}

func errorMessage(cause error) string {
	data, err := json.Marshal(struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}{Error: cause.Error(), Kind: string(apierrors.KindOf(cause))})
	if err != nil {
		return cause.Error()
	}
	return string(data)
}

func summarize(plan selection.Plan) string {
	data, err := json.Marshal(struct {
		TimestepCount int `json:"timestep_count"`
	}{TimestepCount: len(plan.Timesteps)})
	if err != nil {
		return fmt.Sprintf(`{"timestep_count":%d}`, len(plan.Timesteps))
	}
	return string(data)
}
