// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brandpilot-ai/brandpilot/services/embedding"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/vectorstore"
)

var tracer = otel.Tracer("brandpilot.ingest")

// insertMaxAttempts and insertBaseDelay govern the retry policy for
// transient store failures during persistence.
const (
	insertMaxAttempts = 3
	insertBaseDelay   = 250 * time.Millisecond
)

// Request identifies one uploaded asset to ingest.
type Request struct {
	AssetID     uuid.UUID
	UserID      uuid.UUID
	ProjectID   *uuid.UUID
	FileBytes   []byte
	Filename    string
	ContentType string
}

// Result reports how much of the document was persisted.
type Result struct {
	// ChunksWritten is the number of chunks persisted. On partial failure
	// this is less than ChunksTotal; the written chunks remain valid.
	ChunksWritten int

	// ChunksTotal is the number of chunks the document produced.
	ChunksTotal int

	// Truncated is true when the document exceeded the per-document chunk
	// cap.
	Truncated bool
}

// ChunkStore is the slice of the vector store the ingestor writes through.
type ChunkStore interface {
	InsertDocumentChunk(ctx context.Context, chunk datatypes.DocumentChunk) error
}

// Ingestor extracts, chunks, embeds, and persists uploaded documents.
type Ingestor struct {
	embedder embedding.Embedder
	store    ChunkStore
	config   ChunkConfig
}

// NewIngestor wires an ingestor from its dependencies.
func NewIngestor(embedder embedding.Embedder, store ChunkStore, config ChunkConfig) *Ingestor {
	config.validate()
	return &Ingestor{embedder: embedder, store: store, config: config}
}

// Ingest processes one uploaded asset.
//
// # Description
//
// Extracts text (UnsupportedFormatError when no extractor matches the
// content type), normalizes and chunks it, embeds the chunks in one batch,
// and inserts them in chunk-index order. Inserts are idempotent on
// (asset_id, chunk_index), so re-running a partially ingested asset
// completes the remainder without duplicating rows.
//
// # Outputs
//
//   - Result: Chunk counts, including partial progress on failure.
//   - error: nil on full success. On persistence failure the Result still
//     reports the chunks written before the failure.
//
// # Limitations
//
//   - Embedding failure aborts before any insert; there is no per-chunk
//     embedding retry beyond what the embedding client already does.
func (ing *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingest.asset_id", req.AssetID.String()),
		attribute.String("ingest.content_type", req.ContentType),
		attribute.Int("ingest.file_bytes", len(req.FileBytes)),
	)

	text, err := ExtractText(req.FileBytes, req.ContentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return Result{}, err
	}

	chunks := ChunkText(NormalizeText(text), ing.config)
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("ingest.Ingest: document %s produced no chunks", req.AssetID)
	}
	span.SetAttributes(attribute.Int("ingest.chunks", len(chunks)))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return Result{ChunksTotal: len(chunks)}, fmt.Errorf("ingest.Ingest: embed chunks: %w", err)
	}

	result := Result{
		ChunksTotal: len(chunks),
		Truncated:   chunks[len(chunks)-1].Truncated,
	}
	docType := DocumentTypeFor(req.ContentType)
	for i, c := range chunks {
		record := datatypes.DocumentChunk{
			ChunkID:      uuid.New(),
			AssetID:      req.AssetID,
			UserID:       req.UserID,
			ProjectID:    req.ProjectID,
			DocumentType: docType,
			ChunkIndex:   c.Index,
			ChunkText:    c.Text,
			Embedding:    vectors[i],
			Metadata: map[string]any{
				"filename": req.Filename,
			},
		}
		if c.Truncated {
			record.Metadata["truncated"] = true
		}

		if err := ing.insertWithRetry(ctx, record); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persistence failed")
			slog.Error("document ingestion stopped mid-asset",
				"asset_id", req.AssetID,
				"chunks_written", result.ChunksWritten,
				"chunks_total", result.ChunksTotal,
				"error", err)
			return result, fmt.Errorf("ingest.Ingest: persist chunk %d: %w", c.Index, err)
		}
		result.ChunksWritten++
	}

	slog.Info("document ingested",
		"asset_id", req.AssetID,
		"filename", req.Filename,
		"chunks", result.ChunksWritten,
		"truncated", result.Truncated)
	return result, nil
}

// IngestBackground runs Ingest from a background invocation: panics are
// recovered and every failure is logged rather than thrown, since there is
// no caller to receive it.
func (ing *Ingestor) IngestBackground(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during background ingestion",
				"asset_id", req.AssetID, "panic", r)
		}
	}()
	if _, err := ing.Ingest(ctx, req); err != nil {
		slog.Error("background ingestion failed",
			"asset_id", req.AssetID, "filename", req.Filename, "error", err)
	}
}

// insertWithRetry inserts one chunk, retrying store-unavailable failures
// with the standard 3-attempt backoff. Invalid errors fail immediately.
func (ing *Ingestor) insertWithRetry(ctx context.Context, chunk datatypes.DocumentChunk) error {
	var lastErr error
	delay := insertBaseDelay
	for attempt := 1; attempt <= insertMaxAttempts; attempt++ {
		err := ing.store.InsertDocumentChunk(ctx, chunk)
		if err == nil {
			return nil
		}
		lastErr = err
		if !vectorstore.IsNotAvailableError(err) {
			return err
		}
		if attempt == insertMaxAttempts {
			break
		}
		jittered := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
		select {
		case <-time.After(jittered):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
