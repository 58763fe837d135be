// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selection implements the selection engine: a pure
// function from a catalog snapshot and a client RequestSpec to a build
// Plan. It holds no mutable state of its own so that handing it the same
// catalog contents and spec twice always produces the same Plan, the
// determinism property the build worker and its retries rely on.
package selection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/catalog"
	"github.com/waterinstitute/metget-server/pkg/validation"
)

// ensembleFamilies lists the families for which an unset Domain.EnsembleMember
// is defaulted to "mean" rather than rejected, per the resolved open
// question on ensemble member defaulting.
var ensembleFamilies = map[catalog.Family]bool{
	catalog.FamilyTropicalEnsemble: true,
	catalog.FamilyEnsembleGlobal:   true,
}

// stormFamilies lists the families that key on a storm's identity
// rather than a cycle/tau grid. A storm-scoped domain missing its storm
// identity fails the whole Select call before any timestep is resolved
// rather than surfacing a per-timestep hole. Select runs in the build
// worker; the /build handler does not make this check.
var stormFamilies = map[catalog.Family]bool{
	catalog.FamilyTropicalDeterministic: true,
	catalog.FamilyTropicalEnsemble:      true,
	catalog.FamilyTropicalAnalysis:      true,
}

// analysisFamilies declare every ingested row as tau=0 regardless of
// the recorded forecast cycle.
var analysisFamilies = map[catalog.Family]bool{
	catalog.FamilyTropicalAnalysis: true,
}

const defaultEnsembleMember = "mean"

// Cell is the resolved value of one requested Domain at one output
// timestep: the catalog Entry the selection engine chose, the
// backfilled value of the next-lower level when the domain's own
// coverage had a hole and Backfill was requested, or a null cell when
// Backfill was requested but no lower level had coverage either. Null
// cells are written out as the request's null_value at encode time.
type Cell struct {
	Domain     catalog.Domain
	Entry      catalog.Entry
	Backfilled bool
	Null       bool
}

// TimestepPlan is the resolved, level-stacked set of domain cells for one
// output timestep.
type TimestepPlan struct {
	Time  time.Time
	Cells []Cell
}

// Plan is the full resolution of a RequestSpec: one TimestepPlan per
// output timestep in [spec.StartTime, spec.EndTime] stepping by
// spec.TimeStep, each fully stacked across the requested domains.
type Plan struct {
	Timesteps []TimestepPlan
}

// Select resolves spec against store, returning a Plan or an apierrors
// failure: KindValidation for an inverted window or malformed/unsafe
// domain constraints, checked before any timestep is resolved, or
// KindCoverageGap for a timestep/domain hole
// when Backfill is disabled. With Backfill enabled a hole never fails
// the request: it fills from the next-lower level, or becomes a null
// cell when no lower level has coverage. Select never mutates store or
// its own inputs.
func Select(ctx context.Context, store catalog.Store, spec catalog.RequestSpec) (Plan, error) {
	if spec.EndTime.Before(spec.StartTime) {
		return Plan{}, apierrors.New(apierrors.KindValidation, "end_time must not be before start_time")
	}
	if spec.TimeStep <= 0 {
		return Plan{}, apierrors.New(apierrors.KindValidation, "time_step must be positive")
	}
	if len(spec.Domains) == 0 {
		return Plan{}, apierrors.New(apierrors.KindValidation, "at least one domain is required")
	}

	domains, err := resolveDomainConstraints(spec.Domains)
	if err != nil {
		return Plan{}, err
	}
	sort.SliceStable(domains, func(i, j int) bool { return domains[i].Level < domains[j].Level })

	timesteps := enumerateTimesteps(spec.StartTime, spec.EndTime, spec.TimeStep)

	perDomain := make([]map[int64]catalog.Entry, len(domains))
	for i, d := range domains {
		resolved, err := resolveDomainEntries(ctx, store, spec, d, timesteps)
		if err != nil {
			return Plan{}, fmt.Errorf("selection: resolve domain %q: %w", d.Name, err)
		}
		perDomain[i] = resolved
	}

	plan := Plan{Timesteps: make([]TimestepPlan, 0, len(timesteps))}
	for _, t := range timesteps {
		cells := make([]Cell, 0, len(domains))
		var current catalog.Entry
		var haveCurrent bool

		for i, d := range domains {
			if entry, ok := perDomain[i][t.Unix()]; ok {
				current = entry
				haveCurrent = true
				cells = append(cells, Cell{Domain: d, Entry: entry})
				continue
			}
			if spec.Backfill {
				if haveCurrent {
					cells = append(cells, Cell{Domain: d, Entry: current, Backfilled: true})
					continue
				}
				// No lower level to fill from: the cell is written as
				// the request's null_value rather than failing the
				// whole build.
				cells = append(cells, Cell{Domain: d, Null: true})
				continue
			}
			return Plan{}, apierrors.Wrap(apierrors.KindCoverageGap, apierrors.ErrCoverageGap,
				"domain %q (%s) has no coverage at %s", d.Name, d.Service, t.Format(time.RFC3339))
		}
		plan.Timesteps = append(plan.Timesteps, TimestepPlan{Time: t, Cells: cells})
	}

	return plan, nil
}

// resolveDomainConstraints copies spec.Domains, defaulting ensemble
// member, rejecting storm-scoped domains missing their storm identity,
// and sanitizing every client-supplied identity field before it reaches
// a catalog filter or an object-store key. Storm names are upper-cased
// so lookups match the catalog's stored form.
func resolveDomainConstraints(domains []catalog.Domain) ([]catalog.Domain, error) {
	out := make([]catalog.Domain, len(domains))
	for i, d := range domains {
		resolved := d
		if stormFamilies[d.Service] && (d.StormName == "" || d.StormYear == 0) {
			return nil, apierrors.New(apierrors.KindValidation,
				"domain %q: family %s requires storm_name and storm_year", d.Name, d.Service)
		}
		if resolved.StormName != "" {
			name, err := validation.SanitizeIdentifier("storm_name", resolved.StormName)
			if err != nil {
				return nil, apierrors.Wrap(apierrors.KindValidation, err, "domain %q", d.Name)
			}
			resolved.StormName = name
		}
		if resolved.Basin != "" {
			if err := validation.ValidateIdentifier("basin", resolved.Basin); err != nil {
				return nil, apierrors.Wrap(apierrors.KindValidation, err, "domain %q", d.Name)
			}
		}
		if resolved.Advisory != "" {
			if err := validation.ValidateIdentifier("advisory", resolved.Advisory); err != nil {
				return nil, apierrors.Wrap(apierrors.KindValidation, err, "domain %q", d.Name)
			}
		}
		if resolved.EnsembleMember == "" && ensembleFamilies[d.Service] {
			resolved.EnsembleMember = defaultEnsembleMember
		}
		if resolved.EnsembleMember != "" {
			if err := validation.ValidateIdentifier("ensemble_member", resolved.EnsembleMember); err != nil {
				return nil, apierrors.Wrap(apierrors.KindValidation, err, "domain %q", d.Name)
			}
		}
		out[i] = resolved
	}
	return out, nil
}

// enumerateTimesteps returns start, start+step, ... up to and including
// end. The window bound is inclusive at both ends, so a 24-hour window
// at a one-hour step yields 25 timesteps.
func enumerateTimesteps(start, end time.Time, step time.Duration) []time.Time {
	var out []time.Time
	for t := start; !t.After(end); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// resolveDomainEntries returns, for a single domain, the catalog Entry
// satisfying each requested timestep (keyed by t.Unix()); timesteps with
// no satisfying entry are simply absent from the map.
func resolveDomainEntries(ctx context.Context, store catalog.Store, spec catalog.RequestSpec, d catalog.Domain, timesteps []time.Time) (map[int64]catalog.Entry, error) {
	entries, err := store.FindCovering(ctx, d.Service, spec.StartTime, spec.EndTime)
	if err != nil {
		return nil, err
	}
	entries = filterByConstraints(entries, spec, d)

	wanted := make(map[int64]bool, len(timesteps))
	for _, t := range timesteps {
		wanted[t.Unix()] = true
	}

	if !spec.MultipleForecasts {
		return resolveSingleCycle(entries, wanted)
	}
	return resolveNewestPerTimestep(entries), nil
}

func filterByConstraints(entries []catalog.Entry, spec catalog.RequestSpec, d catalog.Domain) []catalog.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if d.EnsembleMember != "" && e.Identity.EnsembleMember != d.EnsembleMember {
			continue
		}
		if d.StormName != "" && e.Identity.StormName != d.StormName {
			continue
		}
		if d.Basin != "" && e.Identity.Basin != d.Basin {
			continue
		}
		if d.Advisory != "" && e.Identity.Advisory != d.Advisory {
			continue
		}
		tau := e.Identity.Tau
		if analysisFamilies[d.Service] {
			tau = 0
		}
		if spec.Nowcast && tau != 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// resolveSingleCycle handles multiple_forecasts=false: choose the single
// latest forecast_cycle such that every wanted timestep has coverage, and
// return only that cycle's entries at the wanted timesteps. If no cycle
// covers the full set, the domain contributes no entries (holes at
// every wanted timestep), deferred to stack resolution/backfill.
func resolveSingleCycle(entries []catalog.Entry, wanted map[int64]bool) (map[int64]catalog.Entry, error) {
	byCycle := make(map[int64]map[int64]catalog.Entry)
	var cycles []int64
	for _, e := range entries {
		cu := e.Identity.ForecastCycle.Unix()
		vu := e.Identity.ValidTime.Unix()
		if !wanted[vu] {
			continue
		}
		if _, ok := byCycle[cu]; !ok {
			byCycle[cu] = make(map[int64]catalog.Entry)
			cycles = append(cycles, cu)
		}
		if existing, ok := byCycle[cu][vu]; !ok || betterCandidate(e, existing) {
			byCycle[cu][vu] = e
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i] > cycles[j] })

	for _, cu := range cycles {
		covered := byCycle[cu]
		full := true
		for vu := range wanted {
			if _, ok := covered[vu]; !ok {
				full = false
				break
			}
		}
		if full {
			return covered, nil
		}
	}
	return map[int64]catalog.Entry{}, nil
}

// resolveNewestPerTimestep handles multiple_forecasts=true:
// independently, per wanted timestep, pick the entry with the newest
// forecast_cycle.
func resolveNewestPerTimestep(entries []catalog.Entry) map[int64]catalog.Entry {
	best := make(map[int64]catalog.Entry)
	for _, e := range entries {
		vu := e.Identity.ValidTime.Unix()
		existing, ok := best[vu]
		if !ok || betterCandidate(e, existing) {
			best[vu] = e
		}
	}
	return best
}

// betterCandidate is the candidate tie-break: newer
// forecast_cycle wins; on equal cycle, lower tau wins; on equal tau,
// the lexicographically smaller storage_key wins, so the same catalog
// snapshot always resolves the same way.
func betterCandidate(candidate, current catalog.Entry) bool {
	if !candidate.Identity.ForecastCycle.Equal(current.Identity.ForecastCycle) {
		return candidate.Identity.ForecastCycle.After(current.Identity.ForecastCycle)
	}
	if candidate.Identity.Tau != current.Identity.Tau {
		return candidate.Identity.Tau < current.Identity.Tau
	}
	return candidate.StorageKey < current.StorageKey
}
