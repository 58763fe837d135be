// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tropical

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/waterinstitute/metget-server/pkg/catalog"
)

type fakeClient struct {
	indexEntries []advisoryIndexEntry
	fetchBody    []byte
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/index" {
		body, _ := json.Marshal(f.indexEntries)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body))}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(f.fetchBody))}, nil
}

func TestDiscoverAndFetch_RoundTrip(t *testing.T) {
	cycle := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	valid := cycle.Add(6 * time.Hour)
	client := &fakeClient{
		indexEntries: []advisoryIndexEntry{
			{StormName: "LAURA", Basin: "AL", StormYear: 2026, Advisory: "012", CycleTime: cycle, ValidTime: valid, URL: "http://nhc.test/laura/012.grib2"},
		},
		fetchBody: []byte("advisory-bytes"),
	}
	adapter := New(Config{Family: catalog.FamilyTropicalDeterministic, IndexURL: "http://nhc.test/index"}, client)

	ids, err := adapter.Discover(context.Background(), cycle.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1", len(ids))
	}
	if ids[0].StormName != "LAURA" || ids[0].Tau != 6*time.Hour {
		t.Fatalf("unexpected identity: %+v", ids[0])
	}

	data, err := adapter.Fetch(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "advisory-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestDiscover_AnalysisFamilyTreatsTauAsZero(t *testing.T) {
	cycle := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	client := &fakeClient{
		indexEntries: []advisoryIndexEntry{
			{StormName: "LAURA", Basin: "AL", Advisory: "012", CycleTime: cycle.Add(-6 * time.Hour), ValidTime: cycle, URL: "http://nhc.test/x"},
		},
	}
	adapter := New(Config{Family: catalog.FamilyTropicalAnalysis, IndexURL: "http://nhc.test/index"}, client)

	ids, err := adapter.Discover(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ids[0].Tau != 0 {
		t.Errorf("Tau = %s, want 0 for an analysis family", ids[0].Tau)
	}
}

func TestFetch_UnknownIdentityFails(t *testing.T) {
	adapter := New(Config{Family: catalog.FamilyTropicalDeterministic, IndexURL: "http://nhc.test/index"}, &fakeClient{})
	_, err := adapter.Fetch(context.Background(), catalog.Identity{StormName: "UNKNOWN"})
	if err == nil {
		t.Fatal("expected error fetching an identity that was never discovered")
	}
}
