// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires OpenTelemetry tracing for the API, worker,
// and downloader binaries: an insecure gRPC connection to an OTLP
// collector wrapped in a batch span processor, falling back to a stdout
// exporter when no collector endpoint is configured so a local `go run`
// still produces visible spans instead of silently dropping them.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/waterinstitute/metget-server/pkg/config"
)

// Init sets the global TracerProvider and text-map propagator for
// cfg.ServiceName, returning a shutdown func the caller must invoke
// before process exit to flush pending spans. When cfg.OTLPEndpoint is
// empty (local/dev runs without a collector), spans are written to
// stdout instead of discarded.
func Init(ctx context.Context, cfg config.Observability) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var processor sdktrace.SpanProcessor
	var closeExporter func(context.Context) error

	if cfg.OTLPEndpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
		}
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
		closeExporter = exporter.Shutdown
	} else {
		conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("telemetry: dial otlp collector %s: %w", cfg.OTLPEndpoint, err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
		processor = sdktrace.NewBatchSpanProcessor(exporter)
		closeExporter = exporter.Shutdown
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.TraceSampleFraction)
	if cfg.TraceSampleFraction <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.TraceSampleFraction >= 1 {
		sampler = sdktrace.AlwaysSample()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(shutdownCtx context.Context) error {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return closeExporter(shutdownCtx)
	}, nil
}
