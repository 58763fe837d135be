// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command worker runs the build worker: a long-running bus consumer
// that materializes queued requests into output artifacts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/config"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/pkg/telemetry"
	"github.com/waterinstitute/metget-server/services/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "worker", JSON: cfg.LogJSON})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		logger.Error("worker: telemetry init failed, continuing without tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	catalogStore, err := catalog.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		logger.Error("worker: open catalog", "error", err)
		os.Exit(1)
	}
	defer catalogStore.Close()

	store, err := objectstore.New(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.CredentialsKey)
	if err != nil {
		logger.Error("worker: open object store", "error", err)
		os.Exit(1)
	}

	cache, err := worker.OpenBlobCache(cfg.BlobCacheDir, store)
	if err != nil {
		logger.Error("worker: open blob cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	msgBus, err := bus.New(bus.Config{
		URL:         cfg.Bus.URL,
		StreamName:  cfg.Bus.StreamName,
		DurableName: cfg.Bus.DurableName,
	})
	if err != nil {
		logger.Error("worker: connect bus", "error", err)
		os.Exit(1)
	}
	defer msgBus.Close()

	w := worker.New(worker.Config{
		MaxTries:          cfg.WorkerMaxTries,
		VisibilityTimeout: cfg.WorkerSoftDeadline,
	}, catalogStore, msgBus, cache, worker.NewStubRegridder(), logger)

	logger.Info("worker: consuming build requests")
	if err := w.Run(ctx); err != nil {
		logger.Error("worker: run failed", "error", err)
		os.Exit(1)
	}
}
