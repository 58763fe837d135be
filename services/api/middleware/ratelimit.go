// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-API-key request rate: one limiter per
// authenticated key so a noisy key can't starve the others.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a RateLimiter allowing rps requests per second
// per API key, with burst headroom above that steady rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateLimiter) forKey(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Middleware must run after AuthMiddleware: it keys the limiter off the
// authenticated ApiKey, not the remote address, so a key's quota follows
// it across IPs. Requests over quota get 429 with the standard
// X-RateLimit-* headers.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetApiKey(c)
		if !ok {
			c.Next()
			return
		}

		limiter := r.forKey(key.ID)
		reservation := limiter.Reserve()
		if !reservation.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit misconfigured"})
			return
		}
		delay := reservation.Delay()
		if delay > 0 {
			reservation.Cancel()
			c.Header("X-RateLimit-Limit", strconv.FormatFloat(float64(r.rps), 'f', -1, 64))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatFloat(float64(r.rps), 'f', -1, 64))
		c.Next()
	}
}
