// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
)

// CheckRequestBody is the POST /check request body.
type CheckRequestBody struct {
	Request string `json:"request" binding:"required"`
}

// CheckResponse mirrors the Request row fields a client is allowed to
// see: id, status, try, credit usage, message and dates. The raw
// input_data, spec, output key, API key and source IP are not returned.
type CheckResponse struct {
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	Try         int    `json:"try"`
	CreditUsage int64  `json:"credit_usage"`
	Message     string `json:"message"`
	StartDate   string `json:"start_date"`
	LastDate    string `json:"last_date"`
}

// Check handles POST /check: look up a Request row by client-supplied ID
// and return its current status snapshot.
func Check(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body CheckRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "request id is required"})
			return
		}

		req, err := deps.Catalog.FindRequest(c.Request.Context(), body.Request)
		if err != nil {
			status := apierrors.HTTPStatus(apierrors.KindOf(err))
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, CheckResponse{
			RequestID:   req.ID,
			Status:      string(req.Status),
			Try:         req.Try,
			CreditUsage: req.CreditUsage,
			Message:     req.Message,
			StartDate:   req.StartDate.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastDate:    req.LastDate.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
}
