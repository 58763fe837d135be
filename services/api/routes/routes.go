// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the request API's gin.Engine: middleware chain,
// route table, and the /metrics and /health endpoints. One
// SetupRoutes(engine, deps) call, with authenticated routes grouped
// apart from the unauthenticated probes.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/waterinstitute/metget-server/pkg/credit"
	"github.com/waterinstitute/metget-server/services/api/handlers"
	"github.com/waterinstitute/metget-server/services/api/middleware"
	"github.com/waterinstitute/metget-server/services/api/observability"
)

// SetupRoutes registers every route the Request API serves onto engine.
func SetupRoutes(engine *gin.Engine, deps handlers.Deps, ledger credit.Ledger, metrics *observability.APIMetrics, limiter *middleware.RateLimiter, serviceName string) {
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.Middleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := engine.Group("/")
	authorized.Use(middleware.AuthMiddleware(ledger))
	authorized.Use(limiter.Middleware())
	authorized.GET("/status", handlers.Status(deps))
	authorized.POST("/build", handlers.Build(deps))
	authorized.POST("/check", handlers.Check(deps))
}
