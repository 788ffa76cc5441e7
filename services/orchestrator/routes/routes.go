// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/handlers"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/middleware"
)

// SetupRoutes registers the orchestrator's HTTP surface.
//
// Liveness and metrics stay outside the authenticated group so probes
// and scrapers need no credentials.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, documents *handlers.DocumentsHandler) {
	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyMiddleware())
	{
		v1.POST("/chat/stream", chat.HandleChatStream)
		v1.POST("/documents/ingest", documents.HandleIngest)
		v1.DELETE("/documents/:assetId", documents.HandleDeleteAsset)
		v1.DELETE("/sessions/:sessionId", documents.HandleDeleteSession)
	}
}
