// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog is the relational index of record for every forecast
// grid metget-server has ingested. It is the single source of truth
// a concurrent fleet of downloader processes write into and the
// selection engine reads from; Postgres's unique constraints are what
// make concurrent Upserts from overlapping downloader runs safe, not any
// in-process locking.
package catalog

import (
	"encoding/json"
	"time"
)

// Family identifies one of the eight upstream model families and tags
// which subset of Identity's columns a row actually uses: synoptic
// families key on (cycle, valid_time, tau), ensemble families add a
// member, tropical families key on storm identity plus advisory.
// Unused columns stay NULL; the catalog's NULLS NOT DISTINCT composite
// index makes that one shared shape uniquely keyed per family.
type Family string

const (
	FamilyGlobal                Family = "global"
	FamilyRegional              Family = "regional"
	FamilyRegionalAlaska        Family = "regional_alaska"
	FamilyTropicalDeterministic Family = "tropical_deterministic"
	FamilyTropicalEnsemble      Family = "tropical_ensemble"
	FamilyTropicalAnalysis      Family = "tropical_analysis"
	FamilyEnsembleGlobal        Family = "ensemble_global"
	FamilyPrecipitation         Family = "precipitation"
)

// Families lists every known Family, used by the downloader to iterate
// METGET_DOWNLOADER_SOURCES and by the registry to validate service names.
var Families = []Family{
	FamilyGlobal,
	FamilyRegional,
	FamilyRegionalAlaska,
	FamilyTropicalDeterministic,
	FamilyTropicalEnsemble,
	FamilyTropicalAnalysis,
	FamilyEnsembleGlobal,
	FamilyPrecipitation,
}

// Identity is the per-family natural key a CatalogEntry is uniquely
// addressed by. Synoptic families key on (cycle, valid_time, tau);
// tropical families key on (storm_name/basin, advisory, valid_time).
// Fields unused by a family are left zero.
type Identity struct {
	Family         Family
	ForecastCycle  time.Time
	ValidTime      time.Time
	Tau            time.Duration
	EnsembleMember string // "mean", "c00", "p01"... empty for deterministic families
	StormName      string
	Basin          string
	Advisory       string
}

// Entry is one ingested grid: its identity, where its bytes live in
// object storage, and the metadata the selection engine filters on.
type Entry struct {
	ID          int64
	Identity    Identity
	StorageKey  string
	PayloadMD5  string
	SizeBytes   int64
	IngestedAt  time.Time
	Accessed    time.Time         // last time this row was confirmed present; re-touched on re-fetch
	PayloadMeta map[string]string // family-specific extras (grid resolution, variable list)
}

// Request is one client build request moving through the state machine
// queued -> running -> {completed | error}.
type Request struct {
	ID          string
	ApiKeyID    string
	SourceIP    string
	Spec        RequestSpec
	Status      RequestStatus
	Try         int // monotonic attempt counter, incremented on each worker pickup
	OutputKey   string
	CreditUsage int64
	InputData   string // canonicalized JSON of the submitted spec, stored verbatim for audit/replay
	Message     string // JSON: latest worker progress/error summary
	StartDate   time.Time
	LastDate    time.Time
}

// RequestStatus enumerates the Request lifecycle.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestRunning   RequestStatus = "running"
	RequestError     RequestStatus = "error"
	RequestCompleted RequestStatus = "completed"
)

// RequestSpec is the client-supplied description of the product to
// build: a time window, one or more domains each bound to a source
// family, and an output format. Each domain's bounding box must be
// closed (max_lon > min_lon, max_lat > min_lat) or the request fails
// validation before it reaches the queue; domains are not checked
// against one another.
type RequestSpec struct {
	StartTime          time.Time     `json:"start_date" validate:"required"`
	EndTime            time.Time     `json:"end_date" validate:"required,gtfield=StartTime"`
	TimeStep           time.Duration `json:"time_step" validate:"required,gt=0"`
	Format             string        `json:"format" validate:"required,closeddomain=owi-ascii owi-netcdf ras-netcdf delft3d"`
	Nowcast            bool          `json:"nowcast"`
	MultipleForecasts  bool          `json:"multiple_forecasts"`
	Backfill           bool          `json:"backfill"`
	BackgroundPressure float64       `json:"background_pressure"`
	NullValue          float64       `json:"null_value"`
	EPSG               int           `json:"epsg"`
	Filename           string        `json:"filename" validate:"required"`
	Domains            []Domain      `json:"domains" validate:"required,min=1,dive"`
}

// UnmarshalJSON decodes time_step as integer seconds, the wire format
// build requests use, rather than encoding/json's default of
// nanoseconds for time.Duration.
func (s *RequestSpec) UnmarshalJSON(data []byte) error {
	type alias RequestSpec
	aux := struct {
		TimeStep int64 `json:"time_step"`
		*alias
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.TimeStep = time.Duration(aux.TimeStep) * time.Second
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON: time_step round-trips as
// integer seconds through the requests table's spec column.
func (s RequestSpec) MarshalJSON() ([]byte, error) {
	type alias RequestSpec
	return json.Marshal(struct {
		TimeStep int64 `json:"time_step"`
		alias
	}{TimeStep: int64(s.TimeStep / time.Second), alias: alias(s)})
}

// Domain is one spatial window within a RequestSpec, bound to the
// source family that should supply it and its stacking priority
// relative to the request's other domains (Level 0 = base; higher
// levels are composited on top and fall back to the next-lower level
// when Backfill is set and their own coverage has a hole).
type Domain struct {
	Name           string  `json:"name" validate:"required"`
	Service        Family  `json:"service" validate:"required,closeddomain=global regional regional_alaska tropical_deterministic tropical_ensemble tropical_analysis ensemble_global precipitation"`
	Level          int     `json:"level"`
	EnsembleMember string  `json:"ensemble_member,omitempty"`
	StormName      string  `json:"storm_name,omitempty"`
	Basin          string  `json:"basin,omitempty"`
	StormYear      int     `json:"storm_year,omitempty"`
	Advisory       string  `json:"advisory,omitempty"`
	MinLon         float64 `json:"min_lon"`
	MaxLon         float64 `json:"max_lon" validate:"gtfield=MinLon"`
	MinLat         float64 `json:"min_lat"`
	MaxLat         float64 `json:"max_lat" validate:"gtfield=MinLat"`
}
