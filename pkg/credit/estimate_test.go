// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waterinstitute/metget-server/pkg/catalog"
)

func TestEstimateUsage_ScalesWithTimestepsAndDomains(t *testing.T) {
	base := catalog.RequestSpec{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC),
		TimeStep:  time.Hour,
		Format:    "owi-ascii",
		Domains: []catalog.Domain{
			{Name: "d0", Service: catalog.FamilyGlobal, MinLon: -100, MaxLon: -99, MinLat: 20, MaxLat: 21},
		},
	}

	usage := EstimateUsage(base)
	require.Positive(t, usage)

	wider := base
	wider.Domains = []catalog.Domain{
		{Name: "d0", Service: catalog.FamilyGlobal, MinLon: -100, MaxLon: -98, MinLat: 20, MaxLat: 22},
	}
	require.Greater(t, EstimateUsage(wider), usage, "doubling the bounding box should roughly quadruple cell count")

	longer := base
	longer.EndTime = base.EndTime.Add(3 * time.Hour)
	require.Greater(t, EstimateUsage(longer), usage, "more timesteps should cost more")
}

func TestEstimateUsage_UnknownFormatFallsBackToDefaultFactor(t *testing.T) {
	spec := catalog.RequestSpec{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		TimeStep:  time.Hour,
		Format:    "unknown-format",
		Domains: []catalog.Domain{
			{Name: "d0", Service: catalog.FamilyGlobal, MinLon: -100, MaxLon: -99, MinLat: 20, MaxLat: 21},
		},
	}
	require.Equal(t, domainCellCount(spec.Domains[0])*timestepCount(spec)*DefaultCellFactor, EstimateUsage(spec))
}

func TestEstimateUsage_ZeroAreaDomainContributesNoCells(t *testing.T) {
	spec := catalog.RequestSpec{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		TimeStep:  time.Hour,
		Format:    "owi-ascii",
		Domains: []catalog.Domain{
			{Name: "degenerate", Service: catalog.FamilyGlobal, MinLon: -100, MaxLon: -100, MinLat: 20, MaxLat: 20},
		},
	}
	require.Zero(t, EstimateUsage(spec))
}
