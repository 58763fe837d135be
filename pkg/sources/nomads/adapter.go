// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nomads implements the source adapter for the cycle/tau
// families served from NOMADS-style HTTP directory indexes: global,
// regional, regional_alaska, ensemble_global, precipitation. Listing
// and fetching go through an injectable HTTPClient so tests never touch
// the network.
package nomads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/retry"
)

// HTTPClient allows injecting a mock client in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// cycleDirPattern matches an anchor href naming a cycle directory, e.g.
// <a href="gfs.2026073100/">gfs.2026073100/</a>. NOMADS and most mirrors
// of it format cycle directories as "<prefix>.YYYYMMDDHH/".
var cycleDirPattern = regexp.MustCompile(`href="[^"]*?(\d{10})/?"`)

// Config parameterizes one family's adapter instance. The five cycle/tau
// families share this same discover/fetch shape; only the index URL,
// cadence, and available lead times differ between them.
type Config struct {
	Family Family

	// IndexURL is the directory listing page enumerating available
	// cycles, e.g. "https://nomads.ncep.noaa.gov/pub/data/nccf/com/gfs/prod".
	IndexURL string

	// DownloadURLTemplate is formatted with (cycle, tau, ensembleMember)
	// via fmt.Sprintf-style %s/%d verbs implemented in downloadURL.
	DownloadURLTemplate string

	// CycleStep is the spacing between forecast cycles (e.g. 6h for GFS).
	CycleStep time.Duration

	// Taus lists the lead times published per cycle.
	Taus []time.Duration

	// EnsembleMembers lists member IDs for ensemble families; nil for
	// deterministic families (single implicit member "").
	EnsembleMembers []string
}

// Family is a type alias kept local so Config reads naturally; it is
// catalog.Family under the hood.
type Family = catalog.Family

// Adapter is the nomads-style Source Adapter for one Config.
type Adapter struct {
	cfg    Config
	client HTTPClient
	policy *retry.Policy
}

// New builds an Adapter. client may be http.DefaultClient in production
// or a fake in tests.
func New(cfg Config, client HTTPClient) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: client,
		policy: retry.New(retry.Config{Name: "source:" + string(cfg.Family)}),
	}
}

func (a *Adapter) FamilyTag() catalog.Family { return a.cfg.Family }

// Discover lists every (cycle, tau, member) combination the index page
// advertises for cycles at or after since, skipping nothing else; the
// downloader is responsible for skip-if-already-cataloged filtering.
func (a *Adapter) Discover(ctx context.Context, since time.Time) ([]catalog.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.IndexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("nomads: build index request: %w", err)
	}

	var body []byte
	err = a.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("nomads: fetch index: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("nomads: index %s not found", a.cfg.IndexURL))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("nomads: index %s returned %d", a.cfg.IndexURL, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	cycles := parseCycleDirs(body)
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Before(cycles[j]) })

	members := a.cfg.EnsembleMembers
	if len(members) == 0 {
		members = []string{""}
	}

	var out []catalog.Identity
	for _, cycle := range cycles {
		if cycle.Before(since) {
			continue
		}
		for _, tau := range a.cfg.Taus {
			for _, member := range members {
				out = append(out, catalog.Identity{
					Family:         a.cfg.Family,
					ForecastCycle:  cycle,
					ValidTime:      cycle.Add(tau),
					Tau:            tau,
					EnsembleMember: member,
				})
			}
		}
	}
	return out, nil
}

// Fetch downloads one candidate's bytes.
func (a *Adapter) Fetch(ctx context.Context, id catalog.Identity) ([]byte, error) {
	url := a.downloadURL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("nomads: build fetch request: %w", err)
	}

	var data []byte
	err = a.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("nomads: fetch %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("nomads: %s not published yet", url))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("nomads: %s returned %d", url, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, err
}

func (a *Adapter) downloadURL(id catalog.Identity) string {
	tauHours := int(id.Tau.Hours())
	if id.EnsembleMember == "" {
		return fmt.Sprintf(a.cfg.DownloadURLTemplate, id.ForecastCycle.Format("2006010215"), tauHours)
	}
	return fmt.Sprintf(a.cfg.DownloadURLTemplate, id.ForecastCycle.Format("2006010215"), tauHours, id.EnsembleMember)
}

// StorageKey lays out ingested grids as family/cycle/tau[/member].ext so
// the object store mirrors the catalog's identity shape.
func (a *Adapter) StorageKey(id catalog.Identity) string {
	if id.EnsembleMember == "" {
		return fmt.Sprintf("%s/%s/f%03d.grib2", id.Family, id.ForecastCycle.Format("20060102T15Z"), int(id.Tau.Hours()))
	}
	return fmt.Sprintf("%s/%s/%s/f%03d.grib2", id.Family, id.ForecastCycle.Format("20060102T15Z"), id.EnsembleMember, int(id.Tau.Hours()))
}

func parseCycleDirs(body []byte) []time.Time {
	matches := cycleDirPattern.FindAllSubmatch(body, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]time.Time, 0, len(matches))
	for _, m := range matches {
		raw := string(m[1])
		if seen[raw] {
			continue
		}
		seen[raw] = true
		cycle, err := time.Parse("2006010215", raw)
		if err != nil {
			continue
		}
		out = append(out, cycle)
	}
	return out
}
