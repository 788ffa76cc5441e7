// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandpilot-ai/brandpilot/services/ingest"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeIngestor struct {
	mu         sync.Mutex
	result     ingest.Result
	err        error
	got        []ingest.Request
	background []ingest.Request
	bgDone     chan struct{}
}

func (f *fakeIngestor) Ingest(_ context.Context, req ingest.Request) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	return f.result, f.err
}

func (f *fakeIngestor) IngestBackground(_ context.Context, req ingest.Request) {
	f.mu.Lock()
	f.background = append(f.background, req)
	f.mu.Unlock()
	if f.bgDone != nil {
		close(f.bgDone)
	}
}

type fakeAssetStore struct {
	deletedAssets   []uuid.UUID
	deletedSessions []uuid.UUID
	count           int64
	err             error
}

func (f *fakeAssetStore) DeleteAssetChunks(_ context.Context, assetID uuid.UUID) (int64, error) {
	f.deletedAssets = append(f.deletedAssets, assetID)
	return f.count, f.err
}

func (f *fakeAssetStore) DeleteSessionMessages(_ context.Context, sessionID uuid.UUID) (int64, error) {
	f.deletedSessions = append(f.deletedSessions, sessionID)
	return f.count, f.err
}

// =============================================================================
// Test Setup
// =============================================================================

func documentsRouter(h *DocumentsHandler) *gin.Engine {
	router := gin.New()
	router.POST("/v1/documents/ingest", h.HandleIngest)
	router.DELETE("/v1/documents/:assetId", h.HandleDeleteAsset)
	router.DELETE("/v1/sessions/:sessionId", h.HandleDeleteSession)
	return router
}

func validIngestRequest() datatypes.IngestRequest {
	return datatypes.IngestRequest{
		AssetID:     uuid.New(),
		UserID:      uuid.New(),
		Filename:    "brand-voice.md",
		ContentType: "text/markdown",
		Content:     base64.StdEncoding.EncodeToString([]byte("# Voice\n\nDirect and warm.")),
	}
}

func postIngest(t *testing.T, router *gin.Engine, req datatypes.IngestRequest, query string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/documents/ingest"+query, bytes.NewReader(data))
	httpReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, httpReq)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

// TestHandleIngestHappyPath verifies the synchronous ingestion response.
func TestHandleIngestHappyPath(t *testing.T) {
	ingestor := &fakeIngestor{result: ingest.Result{ChunksWritten: 3, ChunksTotal: 3}}
	h := NewDocumentsHandler(ingestor, &fakeAssetStore{}, nil)

	req := validIngestRequest()
	rec := postIngest(t, documentsRouter(h), req, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["chunks_written"] != float64(3) || body["chunks_total"] != float64(3) {
		t.Errorf("chunk counts wrong: %v", body)
	}

	if len(ingestor.got) != 1 {
		t.Fatalf("ingestor called %d times, want 1", len(ingestor.got))
	}
	if string(ingestor.got[0].FileBytes) != "# Voice\n\nDirect and warm." {
		t.Errorf("base64 not decoded before the ingestor: %q", ingestor.got[0].FileBytes)
	}
}

// TestHandleIngestAsync verifies the queued response path.
func TestHandleIngestAsync(t *testing.T) {
	ingestor := &fakeIngestor{bgDone: make(chan struct{})}
	h := NewDocumentsHandler(ingestor, &fakeAssetStore{}, nil)

	rec := postIngest(t, documentsRouter(h), validIngestRequest(), "?async=true")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	<-ingestor.bgDone
	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	if len(ingestor.background) != 1 {
		t.Errorf("background ingestion ran %d times, want 1", len(ingestor.background))
	}
	if len(ingestor.got) != 0 {
		t.Errorf("synchronous path must not run in async mode")
	}
}

// TestHandleIngestPartialFailure verifies partial progress is reported
// with a 200 so the caller can re-submit.
func TestHandleIngestPartialFailure(t *testing.T) {
	ingestor := &fakeIngestor{
		result: ingest.Result{ChunksWritten: 2, ChunksTotal: 5},
		err:    errors.New("store went away"),
	}
	h := NewDocumentsHandler(ingestor, &fakeAssetStore{}, nil)

	rec := postIngest(t, documentsRouter(h), validIngestRequest(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for partial success", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["chunks_written"] != float64(2) {
		t.Errorf("chunks_written = %v, want 2", body["chunks_written"])
	}
	if body["error"] == nil {
		t.Error("partial response must carry an error message")
	}
}

// TestHandleIngestUnsupportedFormat verifies the 415 mapping.
func TestHandleIngestUnsupportedFormat(t *testing.T) {
	ingestor := &fakeIngestor{err: &ingest.UnsupportedFormatError{ContentType: "image/png"}}
	h := NewDocumentsHandler(ingestor, &fakeAssetStore{}, nil)

	req := validIngestRequest()
	req.ContentType = "image/png"
	rec := postIngest(t, documentsRouter(h), req, "")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

// TestHandleIngestRejectsBadRequests covers validation paths.
func TestHandleIngestRejectsBadRequests(t *testing.T) {
	h := NewDocumentsHandler(&fakeIngestor{}, &fakeAssetStore{}, nil)
	router := documentsRouter(h)

	tests := []struct {
		name   string
		mutate func(*datatypes.IngestRequest)
	}{
		{"missing filename", func(r *datatypes.IngestRequest) { r.Filename = "" }},
		{"missing content type", func(r *datatypes.IngestRequest) { r.ContentType = "" }},
		{"invalid base64", func(r *datatypes.IngestRequest) { r.Content = "not base64!!!" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validIngestRequest()
			tt.mutate(&req)
			rec := postIngest(t, router, req, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// TestHandleDeleteAsset verifies the chunk cascade endpoint.
func TestHandleDeleteAsset(t *testing.T) {
	store := &fakeAssetStore{count: 12}
	h := NewDocumentsHandler(&fakeIngestor{}, store, nil)
	router := documentsRouter(h)

	assetID := uuid.New()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/documents/"+assetID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.deletedAssets) != 1 || store.deletedAssets[0] != assetID {
		t.Errorf("deleted assets = %v", store.deletedAssets)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["chunks_deleted"] != float64(12) {
		t.Errorf("chunks_deleted = %v", body["chunks_deleted"])
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/documents/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d, want 400", rec.Code)
	}
}

// TestHandleDeleteSession verifies the session message purge endpoint.
func TestHandleDeleteSession(t *testing.T) {
	store := &fakeAssetStore{count: 4}
	h := NewDocumentsHandler(&fakeIngestor{}, store, nil)
	router := documentsRouter(h)

	sessionID := uuid.New()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sessionID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.deletedSessions) != 1 || store.deletedSessions[0] != sessionID {
		t.Errorf("deleted sessions = %v", store.deletedSessions)
	}
}
