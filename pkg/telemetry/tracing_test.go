// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waterinstitute/metget-server/pkg/config"
)

func TestInit_StdoutFallbackWhenNoCollectorConfigured(t *testing.T) {
	shutdown, err := Init(context.Background(), config.Observability{
		ServiceName:         "metget-test",
		TraceSampleFraction: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInit_ZeroSampleFractionNeverSamples(t *testing.T) {
	shutdown, err := Init(context.Background(), config.Observability{ServiceName: "metget-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
