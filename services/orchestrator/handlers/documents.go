// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brandpilot-ai/brandpilot/services/ingest"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/observability"
)

// =============================================================================
// Dependency Contracts
// =============================================================================

// DocumentIngestor processes uploaded assets.
type DocumentIngestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
	IngestBackground(ctx context.Context, req ingest.Request)
}

// AssetStore is the deletion slice of the vector store.
type AssetStore interface {
	DeleteAssetChunks(ctx context.Context, assetID uuid.UUID) (int64, error)
	DeleteSessionMessages(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// =============================================================================
// Documents Handler
// =============================================================================

// DocumentsHandler handles document ingestion and deletion endpoints.
type DocumentsHandler struct {
	ingestor DocumentIngestor
	store    AssetStore
	metrics  *observability.RAGMetrics
}

// NewDocumentsHandler wires a documents handler.
func NewDocumentsHandler(ingestor DocumentIngestor, store AssetStore, metrics *observability.RAGMetrics) *DocumentsHandler {
	return &DocumentsHandler{ingestor: ingestor, store: store, metrics: metrics}
}

// HandleIngest processes POST /v1/documents/ingest.
//
// # Description
//
// Accepts a base64-encoded document, runs extraction, chunking,
// embedding, and persistence, and reports the chunk counts. With
// ?async=true the document is queued and 202 returned immediately.
// Partial success returns 200 with chunks_written < chunks_total so the
// caller can re-submit; inserts are idempotent.
func (h *DocumentsHandler) HandleIngest(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleIngest")
	defer span.End()

	var req datatypes.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fileBytes, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is not valid base64"})
		return
	}
	span.SetAttributes(
		attribute.String("ingest.asset_id", req.AssetID.String()),
		attribute.String("ingest.content_type", req.ContentType),
	)

	ingestReq := ingest.Request{
		AssetID:     req.AssetID,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		FileBytes:   fileBytes,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}

	if c.Query("async") == "true" {
		// Detached from the request context so a client disconnect does
		// not abandon the upload.
		go h.ingestor.IngestBackground(context.WithoutCancel(ctx), ingestReq)
		c.JSON(http.StatusAccepted, gin.H{"asset_id": req.AssetID, "status": "queued"})
		return
	}

	result, err := h.ingestor.Ingest(ctx, ingestReq)
	if h.metrics != nil {
		h.metrics.RecordIngestion(result.ChunksWritten, result.ChunksTotal-result.ChunksWritten, result.Truncated)
	}
	if err != nil {
		if ingest.IsUnsupportedFormatError(err) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		}
		if result.ChunksWritten > 0 {
			// Partial progress is reported, not rolled back.
			c.JSON(http.StatusOK, gin.H{
				"asset_id":       req.AssetID,
				"chunks_written": result.ChunksWritten,
				"chunks_total":   result.ChunksTotal,
				"truncated":      result.Truncated,
				"error":          "ingestion stopped before completion; re-submit to finish",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "document could not be ingested"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset_id":       req.AssetID,
		"chunks_written": result.ChunksWritten,
		"chunks_total":   result.ChunksTotal,
		"truncated":      result.Truncated,
	})
}

// HandleDeleteAsset processes DELETE /v1/documents/:assetId. Removes
// every chunk of the asset.
func (h *DocumentsHandler) HandleDeleteAsset(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleDeleteAsset")
	defer span.End()

	assetID, err := uuid.Parse(c.Param("assetId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
		return
	}
	deleted, err := h.store.DeleteAssetChunks(ctx, assetID)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "deletion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset_id": assetID, "chunks_deleted": deleted})
}

// HandleDeleteSession processes DELETE /v1/sessions/:sessionId. Removes
// every message embedding of the session.
func (h *DocumentsHandler) HandleDeleteSession(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleDeleteSession")
	defer span.End()

	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	deleted, err := h.store.DeleteSessionMessages(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "deletion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages_deleted": deleted})
}
