// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command api runs the request API: the public HTTP surface for
// GET /status, POST /build, and POST /check.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/config"
	"github.com/waterinstitute/metget-server/pkg/credit"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/pkg/telemetry"
	"github.com/waterinstitute/metget-server/services/api"
	"github.com/waterinstitute/metget-server/services/api/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("api: config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(cfg.LogLevel),
		JSON:    cfg.LogJSON,
		Service: "api",
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		logger.Error("api: telemetry init failed, continuing without tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	sqlDB, err := sql.Open("pgx", cfg.Postgres.DSN)
	if err != nil {
		logger.Error("api: open postgres", "error", err)
		os.Exit(1)
	}
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Error("api: ping postgres", "error", err)
		os.Exit(1)
	}
	if err := catalog.Migrate(sqlDB); err != nil {
		logger.Error("api: migrate catalog", "error", err)
		os.Exit(1)
	}
	db := sqlx.NewDb(sqlDB, "pgx")
	catalogStore := catalog.NewWithDB(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ledger := credit.New(db, redisClient, 30*time.Second, cfg.EnforceCreditLimits)

	msgBus, err := bus.New(bus.Config{
		URL:        cfg.Bus.URL,
		StreamName: cfg.Bus.StreamName,
	})
	if err != nil {
		logger.Error("api: connect bus", "error", err)
		os.Exit(1)
	}
	defer msgBus.Close()

	store, err := objectstore.New(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.CredentialsKey)
	if err != nil {
		logger.Error("api: connect object store", "error", err)
		os.Exit(1)
	}

	metrics := observability.New()

	svc := api.New(api.Config{
		Addr:              cfg.HTTPAddr,
		ServiceName:       cfg.Observability.ServiceName,
		ResultTTL:         1 * time.Hour,
		IdempotencyWindow: 24 * time.Hour,
		RateLimitRPS:      5,
		RateLimitBurst:    10,
	}, catalogStore, ledger, msgBus, store, redisClient, logger, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("api: server exited", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("api: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error("api: shutdown", "error", err)
		}
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
