// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tropical implements the source adapter for the
// storm-scoped families: tropical_deterministic, tropical_ensemble,
// tropical_analysis. These key on (storm_name, basin, advisory) rather
// than a cycle/tau grid; the index's storm_year is decoded but is not
// part of the catalog identity. Discovery lists advisories
// from a per-basin index instead of walking a cycle directory tree.
package tropical

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/retry"
)

// HTTPClient allows injecting a mock client in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// advisoryIndexEntry is one record of the upstream basin index response.
// The real NHC/JTWC advisory feeds are XML/text; we decode a JSON
// projection of it here, leaving the wire-format parsing as an adapter
// concern isolated from the rest of the package.
type advisoryIndexEntry struct {
	StormName string    `json:"storm_name"`
	Basin     string    `json:"basin"`
	StormYear int       `json:"storm_year"`
	Advisory  string    `json:"advisory"`
	ValidTime time.Time `json:"valid_time"`
	CycleTime time.Time `json:"cycle_time"`
	URL       string    `json:"url"`
}

// Config parameterizes one storm-scoped family's adapter instance.
type Config struct {
	Family   catalog.Family
	IndexURL string // returns a JSON array of advisoryIndexEntry
}

// Adapter is the storm-scoped Source Adapter for one Config.
type Adapter struct {
	cfg    Config
	client HTTPClient
	policy *retry.Policy
	// urls tracks the fetch URL for an Identity discovered this run,
	// keyed by the identity's deterministic cache key, since the
	// advisory index is the only place the download URL is known.
	urls map[string]string
}

func New(cfg Config, client HTTPClient) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		policy: retry.New(retry.Config{Name: "source:" + string(cfg.Family)}),
		urls:   make(map[string]string),
	}
}

func (a *Adapter) FamilyTag() catalog.Family { return a.cfg.Family }

// Discover lists every advisory published at or after since. An
// analysis family reports every row as tau=0, so CycleTime is set equal
// to ValidTime for tropical_analysis regardless of what the index
// reports.
func (a *Adapter) Discover(ctx context.Context, since time.Time) ([]catalog.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.IndexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tropical: build index request: %w", err)
	}

	var entries []advisoryIndexEntry
	err = a.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("tropical: fetch index: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tropical: index %s returned %d", a.cfg.IndexURL, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &entries)
	})
	if err != nil {
		return nil, err
	}

	var out []catalog.Identity
	for _, e := range entries {
		if e.ValidTime.Before(since) {
			continue
		}
		cycle := e.CycleTime
		if a.cfg.Family == catalog.FamilyTropicalAnalysis {
			cycle = e.ValidTime
		}
		id := catalog.Identity{
			Family:        a.cfg.Family,
			ForecastCycle: cycle,
			ValidTime:     e.ValidTime,
			Tau:           e.ValidTime.Sub(cycle),
			StormName:     e.StormName,
			Basin:         e.Basin,
			Advisory:      e.Advisory,
		}
		a.urls[cacheKey(id)] = e.URL
		out = append(out, id)
	}
	return out, nil
}

// Fetch downloads the bytes for id, which must have come from a prior
// Discover call in the same Adapter instance (the advisory index is the
// only place its download URL is recorded).
func (a *Adapter) Fetch(ctx context.Context, id catalog.Identity) ([]byte, error) {
	url, ok := a.urls[cacheKey(id)]
	if !ok {
		return nil, fmt.Errorf("tropical: %s not discovered this run", cacheKey(id))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tropical: build fetch request: %w", err)
	}

	var data []byte
	err = a.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("tropical: fetch %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tropical: %s returned %d", url, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, err
}

// StorageKey lays out storm advisories as family/basin/storm_name/advisory.ext.
func (a *Adapter) StorageKey(id catalog.Identity) string {
	return fmt.Sprintf("%s/%s/%s/%s.grib2", id.Family, id.Basin, id.StormName, id.Advisory)
}

func cacheKey(id catalog.Identity) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s", id.Family, id.StormName, id.Basin, id.Advisory)))
	return hex.EncodeToString(sum[:])
}
