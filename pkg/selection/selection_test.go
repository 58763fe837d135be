// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selection

import (
	"context"
	"testing"
	"time"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/catalog"
)

func mustIngest(t *testing.T, store *catalog.MemoryStore, family catalog.Family, cycle, validTime time.Time, member string) catalog.Entry {
	t.Helper()
	entry, err := store.Upsert(context.Background(), catalog.Entry{
		Identity: catalog.Identity{
			Family:         family,
			ForecastCycle:  cycle,
			ValidTime:      validTime,
			Tau:            validTime.Sub(cycle),
			EnsembleMember: member,
		},
		StorageKey: "key-" + validTime.Format(time.RFC3339) + "-" + cycle.Format(time.RFC3339),
		PayloadMD5: "md5",
		IngestedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return entry
}

func TestSelect_FullCoverage(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	for h := 0; h <= 24; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(time.Duration(h)*time.Hour), "")
	}

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(24 * time.Hour),
		TimeStep:  6 * time.Hour,
		Format:    "owi-ascii",
		Domains: []catalog.Domain{
			{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -95, MaxLon: -85, MinLat: 25, MaxLat: 31},
		},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(plan.Timesteps) != 5 {
		t.Fatalf("len(Timesteps) = %d, want 5", len(plan.Timesteps))
	}
	for _, ts := range plan.Timesteps {
		if len(ts.Cells) != 1 {
			t.Fatalf("len(Cells) at %s = %d, want 1", ts.Time, len(ts.Cells))
		}
		if ts.Cells[0].Backfilled {
			t.Errorf("cell at %s unexpectedly backfilled", ts.Time)
		}
	}
}

func TestSelect_CoverageGap_NoBackfill(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	mustIngest(t, store, catalog.FamilyGlobal, base, base, "")
	// Missing base+6h..base+18h, present again at +24h.
	mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(24*time.Hour), "")

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(24 * time.Hour),
		TimeStep:  6 * time.Hour,
		Backfill:  false,
		Domains: []catalog.Domain{
			{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1},
		},
	}

	_, err := Select(context.Background(), store, spec)
	if apierrors.KindOf(err) != apierrors.KindCoverageGap {
		t.Fatalf("KindOf(err) = %v, want KindCoverageGap", apierrors.KindOf(err))
	}
}

func TestSelect_CoverageGap_WithBackfill_FillsFromLowerLevel(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	// Coarse (level 0) has full coverage.
	for h := 0; h <= 24; h += 12 {
		mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(time.Duration(h)*time.Hour), "")
	}
	// Fine (level 1) is missing the 12:00 timestep.
	mustIngest(t, store, catalog.FamilyRegional, base, base, "")
	mustIngest(t, store, catalog.FamilyRegional, base, base.Add(24*time.Hour), "")

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(24 * time.Hour),
		TimeStep:  12 * time.Hour,
		Backfill:  true,
		Domains: []catalog.Domain{
			{Name: "coarse", Service: catalog.FamilyGlobal, Level: 0, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1},
			{Name: "fine", Service: catalog.FamilyRegional, Level: 1, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1},
		},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(plan.Timesteps) != 3 {
		t.Fatalf("len(Timesteps) = %d, want 3", len(plan.Timesteps))
	}

	mid := plan.Timesteps[1]
	if len(mid.Cells) != 2 {
		t.Fatalf("len(Cells) = %d, want 2", len(mid.Cells))
	}
	if !mid.Cells[1].Backfilled {
		t.Error("expected the fine domain's 12:00 hole to be backfilled from coarse")
	}
	if mid.Cells[1].Entry.Identity.Family != catalog.FamilyGlobal {
		t.Errorf("backfilled entry family = %s, want %s", mid.Cells[1].Entry.Identity.Family, catalog.FamilyGlobal)
	}
}

func TestSelect_Backfill_BaseHoleBecomesNullCell(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	// The only domain (level 0) is missing the 12:00 timestep; with
	// Backfill set there is no lower level to fill from, so the cell
	// must resolve to a null marker rather than failing the request.
	mustIngest(t, store, catalog.FamilyGlobal, base, base, "")
	mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(24*time.Hour), "")

	spec := catalog.RequestSpec{
		StartTime:         base,
		EndTime:           base.Add(24 * time.Hour),
		TimeStep:          12 * time.Hour,
		Backfill:          true,
		MultipleForecasts: true,
		NullValue:         -9999,
		Domains: []catalog.Domain{
			{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1},
		},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(plan.Timesteps) != 3 {
		t.Fatalf("len(Timesteps) = %d, want 3", len(plan.Timesteps))
	}

	mid := plan.Timesteps[1].Cells[0]
	if !mid.Null {
		t.Error("expected the unfillable 12:00 hole to be a null cell")
	}
	if mid.Backfilled {
		t.Error("a null cell must not also claim to be backfilled")
	}
	if plan.Timesteps[0].Cells[0].Null || plan.Timesteps[2].Cells[0].Null {
		t.Error("covered timesteps must not be null")
	}
}

func TestSelect_NoCoverageAtAll(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(6 * time.Hour),
		TimeStep:  6 * time.Hour,
		Domains:   []catalog.Domain{{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	_, err := Select(context.Background(), store, spec)
	if apierrors.KindOf(err) != apierrors.KindCoverageGap {
		t.Fatalf("KindOf(err) = %v, want KindCoverageGap", apierrors.KindOf(err))
	}
}

func TestSelect_EnsembleDefaultsToMean(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	mustIngest(t, store, catalog.FamilyEnsembleGlobal, base, base, "mean")
	mustIngest(t, store, catalog.FamilyEnsembleGlobal, base, base, "p01")

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base,
		TimeStep:  time.Hour,
		Domains:   []catalog.Domain{{Name: "global", Service: catalog.FamilyEnsembleGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(plan.Timesteps) != 1 || len(plan.Timesteps[0].Cells) != 1 {
		t.Fatalf("unexpected plan shape: %+v", plan)
	}
	if plan.Timesteps[0].Cells[0].Entry.Identity.EnsembleMember != "mean" {
		t.Errorf("expected mean member, got %q", plan.Timesteps[0].Cells[0].Entry.Identity.EnsembleMember)
	}
}

func TestSelect_StormFamilyRequiresIdentity(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		TimeStep:  time.Hour,
		Domains:   []catalog.Domain{{Name: "storm", Service: catalog.FamilyTropicalDeterministic, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	_, err := Select(context.Background(), store, spec)
	if apierrors.KindOf(err) != apierrors.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apierrors.KindOf(err))
	}
}

func TestSelect_RejectsUnsafeStormName(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		TimeStep:  time.Hour,
		Domains: []catalog.Domain{
			{Name: "storm", Service: catalog.FamilyTropicalDeterministic,
				StormName: "../../etc/passwd", StormYear: 2026,
				MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1},
		},
	}

	_, err := Select(context.Background(), store, spec)
	if apierrors.KindOf(err) != apierrors.KindValidation {
		t.Fatalf("KindOf(err) = %v, want KindValidation", apierrors.KindOf(err))
	}
}

func TestSelect_Nowcast_KeepsOnlyTauZero(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	// tau=0 entry from the 06:00 cycle satisfies valid_time=06:00.
	mustIngest(t, store, catalog.FamilyGlobal, base.Add(6*time.Hour), base.Add(6*time.Hour), "")
	// tau=6 entry from the 00:00 cycle also covers valid_time=06:00 but must be excluded.
	mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(6*time.Hour), "")

	spec := catalog.RequestSpec{
		StartTime:         base.Add(6 * time.Hour),
		EndTime:           base.Add(6 * time.Hour),
		TimeStep:          time.Hour,
		Nowcast:           true,
		MultipleForecasts: true,
		Domains:           []catalog.Domain{{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	entry := plan.Timesteps[0].Cells[0].Entry
	if entry.Identity.Tau != 0 {
		t.Errorf("tau = %s, want 0", entry.Identity.Tau)
	}
}

func TestSelect_MultipleForecasts_NewerCycleWinsAtOverlap(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	cycle00 := base
	cycle12 := base.Add(12 * time.Hour)

	for h := 0; h <= 12; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, cycle00, cycle00.Add(time.Duration(h)*time.Hour), "")
	}
	for h := 0; h <= 12; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, cycle12, cycle12.Add(time.Duration(h)*time.Hour), "")
	}

	spec := catalog.RequestSpec{
		StartTime:         cycle00,
		EndTime:           cycle12.Add(12 * time.Hour),
		TimeStep:          6 * time.Hour,
		MultipleForecasts: true,
		Domains:           []catalog.Domain{{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// t=12:00 (cycle00.Add(12h) == cycle12) is covered by both cycle00 (tau 12h)
	// and cycle12 (tau 0); the newer cycle (cycle12) must win.
	overlap := plan.Timesteps[2]
	if !overlap.Time.Equal(cycle12) {
		t.Fatalf("overlap timestep = %s, want %s", overlap.Time, cycle12)
	}
	if !overlap.Cells[0].Entry.Identity.ForecastCycle.Equal(cycle12) {
		t.Errorf("chosen cycle = %s, want %s (newer)", overlap.Cells[0].Entry.Identity.ForecastCycle, cycle12)
	}
}

func TestSelect_SingleCycle_PicksLatestFullyCoveringCycle(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	cycle00 := base
	cycle06 := base.Add(6 * time.Hour)

	// cycle00 fully covers 00:00..12:00.
	for h := 0; h <= 12; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, cycle00, cycle00.Add(time.Duration(h)*time.Hour), "")
	}
	// cycle06 only covers 06:00..12:00, not the full window.
	for h := 0; h <= 6; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, cycle06, cycle06.Add(time.Duration(h)*time.Hour), "")
	}

	spec := catalog.RequestSpec{
		StartTime:         cycle00,
		EndTime:           cycle00.Add(12 * time.Hour),
		TimeStep:          6 * time.Hour,
		MultipleForecasts: false,
		Domains:           []catalog.Domain{{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	plan, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, ts := range plan.Timesteps {
		if !ts.Cells[0].Entry.Identity.ForecastCycle.Equal(cycle00) {
			t.Errorf("at %s: chosen cycle = %s, want %s", ts.Time, ts.Cells[0].Entry.Identity.ForecastCycle, cycle00)
		}
	}
}

func TestSelect_Deterministic(t *testing.T) {
	store := catalog.NewMemoryStore()
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	for h := 0; h <= 12; h += 6 {
		mustIngest(t, store, catalog.FamilyGlobal, base, base.Add(time.Duration(h)*time.Hour), "")
	}
	spec := catalog.RequestSpec{
		StartTime: base,
		EndTime:   base.Add(12 * time.Hour),
		TimeStep:  6 * time.Hour,
		Domains:   []catalog.Domain{{Name: "gulf", Service: catalog.FamilyGlobal, MinLon: -1, MaxLon: 1, MinLat: -1, MaxLat: 1}},
	}

	p1, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	p2, err := Select(context.Background(), store, spec)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(p1.Timesteps) != len(p2.Timesteps) {
		t.Fatal("two Select calls over the same catalog produced different plans")
	}
	for i := range p1.Timesteps {
		if p1.Timesteps[i].Cells[0].Entry.ID != p2.Timesteps[i].Cells[0].Entry.ID {
			t.Fatal("plan entry order differs between identical Select calls")
		}
	}
}
