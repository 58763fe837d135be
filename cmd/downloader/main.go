// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command downloader runs one ingestion pass: discover newly published
// grids across the configured source families, fetch and catalog
// anything not already present, then exit. Periodicity is supplied by
// an external scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/config"
	"github.com/waterinstitute/metget-server/pkg/logging"
	"github.com/waterinstitute/metget-server/pkg/objectstore"
	"github.com/waterinstitute/metget-server/pkg/sources"
	"github.com/waterinstitute/metget-server/pkg/sources/nomads"
	"github.com/waterinstitute/metget-server/pkg/sources/tropical"
	"github.com/waterinstitute/metget-server/services/downloader"
)

// lookbackWindow bounds Discover calls: candidates older than this are
// assumed already cataloged from a prior run and are not rediscovered.
const lookbackWindow = 48 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.Default("downloader")
	defer logger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Minute)
	defer cancel()

	catalogStore, err := catalog.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		logger.Error("downloader: open catalog", "error", err)
		os.Exit(1)
	}
	defer catalogStore.Close()

	store, err := objectstore.New(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.CredentialsKey)
	if err != nil {
		logger.Error("downloader: open object store", "error", err)
		os.Exit(1)
	}

	registry := buildRegistry()

	runner := downloader.New(registry, catalogStore, store, logger)

	families := make([]catalog.Family, 0, len(cfg.DownloaderSources))
	for _, s := range cfg.DownloaderSources {
		families = append(families, catalog.Family(s))
	}

	results, err := runner.Run(ctx, downloader.Config{
		Sources:     families,
		Since:       time.Now().Add(-lookbackWindow),
		Concurrency: cfg.WorkerConcurrency,
	})
	if err != nil {
		logger.Error("downloader: run failed", "error", err)
		os.Exit(1)
	}

	for _, r := range results {
		logger.Info("downloader: family pass complete",
			"family", r.Family, "discovered", r.Discovered, "ingested", r.Ingested,
			"skipped", r.Skipped, "failed", r.Failed)
	}
}

// buildRegistry wires one adapter per model family. Index/download URLs
// are read from the environment so the same binary serves dev mirrors
// and the production NOMADS/NHC endpoints without a rebuild.
func buildRegistry() *sources.Registry {
	registry := sources.NewRegistry()
	client := &http.Client{Timeout: 60 * time.Second}

	nomadsFamilies := []struct {
		family catalog.Family
		envVar string
		cycle  time.Duration
		taus   []time.Duration
	}{
		{catalog.FamilyGlobal, "METGET_SOURCE_GLOBAL_INDEX_URL", 6 * time.Hour, hourlyTaus(0, 384, 3)},
		{catalog.FamilyRegional, "METGET_SOURCE_REGIONAL_INDEX_URL", 6 * time.Hour, hourlyTaus(0, 84, 1)},
		{catalog.FamilyRegionalAlaska, "METGET_SOURCE_REGIONAL_ALASKA_INDEX_URL", 6 * time.Hour, hourlyTaus(0, 84, 1)},
		{catalog.FamilyEnsembleGlobal, "METGET_SOURCE_ENSEMBLE_GLOBAL_INDEX_URL", 6 * time.Hour, hourlyTaus(0, 384, 6)},
		{catalog.FamilyPrecipitation, "METGET_SOURCE_PRECIPITATION_INDEX_URL", 6 * time.Hour, hourlyTaus(0, 120, 3)},
	}
	for _, f := range nomadsFamilies {
		indexURL := os.Getenv(f.envVar)
		if indexURL == "" {
			continue
		}
		registry.Register(nomads.New(nomads.Config{
			Family:              f.family,
			IndexURL:            indexURL,
			DownloadURLTemplate: indexURL + "/%s/f%03d.grib2",
			CycleStep:           f.cycle,
			Taus:                f.taus,
		}, client))
	}

	tropicalFamilies := []struct {
		family catalog.Family
		envVar string
	}{
		{catalog.FamilyTropicalDeterministic, "METGET_SOURCE_TROPICAL_DETERMINISTIC_INDEX_URL"},
		{catalog.FamilyTropicalEnsemble, "METGET_SOURCE_TROPICAL_ENSEMBLE_INDEX_URL"},
		{catalog.FamilyTropicalAnalysis, "METGET_SOURCE_TROPICAL_ANALYSIS_INDEX_URL"},
	}
	for _, f := range tropicalFamilies {
		indexURL := os.Getenv(f.envVar)
		if indexURL == "" {
			continue
		}
		registry.Register(tropical.New(tropical.Config{Family: f.family, IndexURL: indexURL}, client))
	}

	return registry
}

func hourlyTaus(startHours, endHours, stepHours int) []time.Duration {
	var out []time.Duration
	for h := startHours; h <= endHours; h += stepHours {
		out = append(out, time.Duration(h)*time.Hour)
	}
	return out
}
