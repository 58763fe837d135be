// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/catalog"
)

// statusWindow bounds how far back /status looks for cycles per family.
// The endpoint is a coverage snapshot for clients deciding what to
// request, not a full catalog dump, so ancient cycles are omitted.
const statusWindow = 14 * 24 * time.Hour

// FamilyStatus is one model family's coverage snapshot in the
// GET /status response.
type FamilyStatus struct {
	Family         catalog.Family `json:"model_family"`
	CycleCount     int            `json:"cycle_count"`
	EarliestCycle  *time.Time     `json:"earliest_cycle,omitempty"`
	LatestCycle    *time.Time     `json:"latest_cycle,omitempty"`
	LatestComplete *time.Time     `json:"latest_complete,omitempty"`
	Cycles         []time.Time    `json:"cycles"`
}

// StatusResponse is the full GET /status body.
type StatusResponse struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Families    []FamilyStatus `json:"families"`
}

// Status returns coverage per family: min/max forecast cycle and the
// full cycle list within statusWindow, letting a client decide whether a
// build request's time window has any chance of being satisfiable
// before submitting it.
func Status(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		since := time.Now().Add(-statusWindow)

		out := make([]FamilyStatus, 0, len(catalog.Families))
		for _, family := range catalog.Families {
			cycles, err := deps.Catalog.ListCycles(c.Request.Context(), family, since)
			if err != nil {
				status := apierrors.HTTPStatus(apierrors.KindOf(err))
				c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
				return
			}

			fs := FamilyStatus{Family: family, CycleCount: len(cycles), Cycles: cycles}
			if len(cycles) > 0 {
				// ListCycles returns newest first.
				latest := cycles[0]
				earliest := cycles[len(cycles)-1]
				fs.LatestCycle = &latest
				fs.EarliestCycle = &earliest
				fs.LatestComplete = &latest
			}
			out = append(out, fs)
		}

		c.JSON(http.StatusOK, StatusResponse{GeneratedAt: time.Now().UTC(), Families: out})
	}
}
