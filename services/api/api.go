// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api assembles the request API service: the gin.Engine, its
// middleware chain, and the graceful Run/Shutdown lifecycle. One struct
// holds the engine and its collaborators; Run blocks on ListenAndServe
// and Shutdown drains in-flight requests.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/waterinstitute/metget-server/pkg/bus"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/credit"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/services/api/handlers"
	"github.com/waterinstitute/metget-server/services/api/middleware"
	"github.com/waterinstitute/metget-server/services/api/observability"
	"github.com/waterinstitute/metget-server/services/api/routes"
)

// requestDeadline bounds the whole HTTP round trip. Build work never
// runs inside it; /build publishes and returns.
const requestDeadline = 120 * time.Second

// Config configures a Service.
type Config struct {
	Addr              string
	ServiceName       string
	ResultTTL         time.Duration
	IdempotencyWindow time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
}

// Service bundles the Request API's HTTP server with the collaborators
// its handlers depend on.
type Service struct {
	cfg    Config
	logger *logging.Logger
	server *http.Server
}

// New builds a Service, registering every route onto a fresh gin.Engine.
func New(cfg Config, catalogStore catalog.Store, ledger credit.Ledger, msgBus bus.Bus, store objectstore.Store, idempotency *redis.Client, logger *logging.Logger, metrics *observability.APIMetrics) *Service {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	deps := handlers.Deps{
		Catalog:           catalogStore,
		Ledger:            ledger,
		Bus:               msgBus,
		ObjectStore:       store,
		Idempotency:       idempotency,
		Logger:            logger,
		Metrics:           metrics,
		ResultTTL:         cfg.ResultTTL,
		IdempotencyWindow: cfg.IdempotencyWindow,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	routes.SetupRoutes(engine, deps, ledger, metrics, limiter, cfg.ServiceName)

	return &Service{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  requestDeadline,
			WriteTimeout: requestDeadline,
		},
	}
}

// Run starts the HTTP server and blocks until it stops. Returns nil on a
// clean Shutdown, the underlying error otherwise.
func (s *Service) Run() error {
	s.logger.Info("api: listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
