// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the request API's HTTP middleware:
// extract a credential from the request, validate it against a
// capability interface, and stash the result in the Gin context under a
// typed key for handlers to retrieve.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/waterinstitute/metget-server/pkg/apierrors"
	"github.com/waterinstitute/metget-server/pkg/credit"
)

const apiKeyContextKey = "metget_api_key"

// SetApiKey stores the authenticated ApiKey in the Gin context.
func SetApiKey(c *gin.Context, key credit.ApiKey) {
	c.Set(apiKeyContextKey, key)
}

// GetApiKey retrieves the authenticated ApiKey a prior AuthMiddleware
// call stored, or false if the request was never authenticated.
func GetApiKey(c *gin.Context) (credit.ApiKey, bool) {
	v, exists := c.Get(apiKeyContextKey)
	if !exists {
		return credit.ApiKey{}, false
	}
	key, ok := v.(credit.ApiKey)
	return key, ok
}

// AuthMiddleware authenticates every request on the `x-api-key` header
// against ledger, aborting with 401 when the header is missing or the
// key is unknown/disabled/expired.
func AuthMiddleware(ledger credit.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("x-api-key")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing x-api-key header"})
			return
		}

		key, err := ledger.Authorize(c.Request.Context(), token)
		if err != nil {
			status := apierrors.HTTPStatus(apierrors.KindOf(err))
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		SetApiKey(c, key)
		c.Next()
	}
}
