// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credit

import (
	"math"

	"github.com/waterinstitute/metget-server/pkg/catalog"
)

// gridResolutionDegrees is the assumed output-grid spacing used only to
// turn a domain's bounding box into a cell count for credit accounting.
// The external re-gridding collaborator decides actual grid resolution
// per request; this is a tariff input, not a rendering parameter.
const gridResolutionDegrees = 0.25

// domainCellCount approximates the number of output grid cells a domain
// spans, used only by EstimateUsage. A domain with zero area (a
// malformed bounding box validation should already reject) costs zero.
func domainCellCount(d catalog.Domain) int64 {
	lonSpan := d.MaxLon - d.MinLon
	latSpan := d.MaxLat - d.MinLat
	if lonSpan <= 0 || latSpan <= 0 {
		return 0
	}
	cellsPerDegree := 1.0 / gridResolutionDegrees
	nx := math.Ceil(lonSpan * cellsPerDegree)
	ny := math.Ceil(latSpan * cellsPerDegree)
	return int64(nx * ny)
}

// timestepCount returns how many output timesteps credit usage is
// summed over: start, start+step, ... up to and including the last
// point at or before end, the same points pkg/selection enumerates. A
// window whose end is not after its start counts zero timesteps.
func timestepCount(spec catalog.RequestSpec) int64 {
	if spec.TimeStep <= 0 || !spec.EndTime.After(spec.StartTime) {
		return 0
	}
	span := spec.EndTime.Sub(spec.StartTime)
	return int64(span/spec.TimeStep) + 1
}

// EstimateUsage computes a request's credit_usage: the sum over
// timesteps of the sum over domains of domain_cells, weighted by the
// requested output format's CellFactor. Called by the /build handler
// before debiting, and stored verbatim on the Request row.
func EstimateUsage(spec catalog.RequestSpec) int64 {
	steps := timestepCount(spec)
	if steps == 0 {
		return 0
	}

	factor, ok := CellFactor[spec.Format]
	if !ok {
		factor = DefaultCellFactor
	}

	var cellsPerStep int64
	for _, d := range spec.Domains {
		cellsPerStep += domainCellCount(d)
	}

	return steps * cellsPerStep * factor
}
