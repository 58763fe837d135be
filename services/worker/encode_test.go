// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleTimesteps() []composedTimestep {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []composedTimestep{
		{Time: base, Cells: []composedCell{
			{Domain: "gulf", Grids: []Grid{{Variable: "wind_u", Values: [][]float64{{1, 2}, {3, 4}}}}},
		}},
		{Time: base.Add(time.Hour), Cells: []composedCell{
			{Domain: "gulf", Grids: []Grid{{Variable: "wind_u", Values: [][]float64{{5, 6}, {7, 8}}}}},
		}},
	}
}

func TestEncode_ASCIIIsByteStable(t *testing.T) {
	first, err := encode("owi-ascii", -9999, sampleTimesteps())
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := encode("owi-ascii", -9999, sampleTimesteps())
	require.NoError(t, err)
	require.Equal(t, first, second, "identical inputs must produce identical artifacts")
}

func TestEncode_ASCIIWritesNullValueForNullCells(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timesteps := []composedTimestep{
		{Time: base, Cells: []composedCell{{Domain: "fine", Null: true}}},
	}

	data, err := encode("owi-ascii", -9999, timesteps)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "fine,,0,0,-9999"),
		"null cell should carry the request's null_value: %s", data)
}

func TestEncode_NetCDFVariantsCarryFormatAndNullValue(t *testing.T) {
	for _, format := range []string{"owi-netcdf", "ras-netcdf", "delft3d"} {
		data, err := encode(format, -9999, sampleTimesteps())
		require.NoError(t, err)
		require.Contains(t, string(data), `"format":"`+format+`"`)
		require.Contains(t, string(data), `"null_value":-9999`)
	}
}

func TestEncode_UnknownFormatFails(t *testing.T) {
	_, err := encode("shapefile", 0, sampleTimesteps())
	require.Error(t, err)
}
