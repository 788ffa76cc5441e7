// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and compares it against the configured service key:
//
//	Request
//	   │
//	   ▼
//	APIKeyMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   └─► Constant-time compare against BRANDPILOT_API_KEY
//
// # Local Development Behavior
//
// When BRANDPILOT_API_KEY is unset, all requests pass. This lets the CLI
// and local deployments work without any authentication infrastructure.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware creates a Gin middleware that authenticates requests
// against a static service key.
//
// # Description
//
// The key comes from the BRANDPILOT_API_KEY environment variable. An
// empty key disables authentication entirely. Comparison is constant
// time.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with Gin.
func APIKeyMiddleware() gin.HandlerFunc {
	expected := os.Getenv("BRANDPILOT_API_KEY")
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		token := extractBearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
// Returns "" when the header is missing or malformed. The "Bearer"
// prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
