// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package worker

import (
	"context"

	"github.com/waterinstitute/metget-server/pkg/catalog"
)

// Grid is one variable's interpolated array for a single plan Cell,
// dimensioned to the requesting Domain's bounding box.
type Grid struct {
	Variable string
	Values   [][]float64
}

// Regridder is the external re-gridding collaborator the worker hands
// (bytes, target-domain) pairs to. Actual GRIB decoding and barycentric
// interpolation live outside this module; this is only the seam a real
// implementation plugs into.
type Regridder interface {
	Regrid(ctx context.Context, raw []byte, domain catalog.Domain) ([]Grid, error)
}

// stubRegridder is a development-only Regridder returning a single
// all-zero "surface_pressure" variable, sized 2x2, so the worker's
// compose/encode/upload pipeline can be exercised end-to-end without a
// real interpolation engine wired in.
type stubRegridder struct{}

// NewStubRegridder returns the development Regridder. Never use this in
// production; it discards raw entirely.
func NewStubRegridder() Regridder {
	return stubRegridder{}
}

func (stubRegridder) Regrid(ctx context.Context, raw []byte, domain catalog.Domain) ([]Grid, error) {
	return []Grid{{
		Variable: "surface_pressure",
		Values:   [][]float64{{0, 0}, {0, 0}},
	}}, nil
}
