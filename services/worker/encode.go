// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package worker

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/waterinstitute/metget-server/pkg/selection"
)

// composedCell is one domain's contribution to an output timestep:
// either the grids the Regridder produced for it, or a null marker for
// a backfill hole no lower level could fill.
type composedCell struct {
	Domain string
	Null   bool
	Grids  []Grid
}

// composedTimestep is one output timestep's level-stacked cells, the
// input to encode.
type composedTimestep struct {
	Time  time.Time
	Cells []composedCell
}

// compose pairs each plan cell with the grids produced for it by the
// Regridder. Null cells carry no grids; encode writes them out as the
// request's null_value.
func compose(ts selection.TimestepPlan, grids map[string][]Grid) composedTimestep {
	out := composedTimestep{Time: ts.Time}
	for _, cell := range ts.Cells {
		out.Cells = append(out.Cells, composedCell{
			Domain: cell.Domain.Name,
			Null:   cell.Null,
			Grids:  grids[cell.Domain.Name],
		})
	}
	return out
}

// encode serializes a composed plan into the requested output format.
// The four formats share one composed-grid shape under different
// containers. Actual NetCDF/Delft3D container encoding lives with the
// external encoding collaborator; this produces a deterministic,
// byte-stable stand-in so the worker's pipeline is fully exercised and
// testable end to end. nullValue is the request's null_value, written
// wherever a cell is a null-filled backfill hole.
func encode(format string, nullValue float64, timesteps []composedTimestep) ([]byte, error) {
	switch format {
	case "owi-ascii":
		return encodeASCII(nullValue, timesteps)
	case "owi-netcdf", "ras-netcdf", "delft3d":
		return encodeJSON(format, nullValue, timesteps)
	default:
		return nil, fmt.Errorf("worker: unsupported output format %q", format)
	}
}

func encodeASCII(nullValue float64, timesteps []composedTimestep) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"time", "domain", "variable", "rows", "cols", "fill"}); err != nil {
		return nil, err
	}
	for _, ts := range timesteps {
		stamp := ts.Time.UTC().Format(time.RFC3339)
		for _, cell := range ts.Cells {
			if cell.Null {
				fill := strconv.FormatFloat(nullValue, 'g', -1, 64)
				if err := w.Write([]string{stamp, cell.Domain, "", "0", "0", fill}); err != nil {
					return nil, err
				}
				continue
			}
			for _, g := range cell.Grids {
				rows := strconv.Itoa(len(g.Values))
				cols := "0"
				if len(g.Values) > 0 {
					cols = strconv.Itoa(len(g.Values[0]))
				}
				if err := w.Write([]string{stamp, cell.Domain, g.Variable, rows, cols, ""}); err != nil {
					return nil, err
				}
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeJSON(format string, nullValue float64, timesteps []composedTimestep) ([]byte, error) {
	return json.Marshal(struct {
		Format    string             `json:"format"`
		NullValue float64            `json:"null_value"`
		Timesteps []composedTimestep `json:"timesteps"`
	}{Format: format, NullValue: nullValue, Timesteps: timesteps})
}
