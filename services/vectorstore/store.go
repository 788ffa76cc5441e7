// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorstore adapts a pgvector-backed Postgres database to the
// retrieval pipeline.
//
// # Description
//
// The package exposes three similarity reads (messages, documents, global
// knowledge) and three idempotent insert paths over the embedding tables.
// Similarity is 1 - cosine_distance, computed store-side with the pgvector
// <=> operator and returned in descending order with ties broken by lower
// chunk_index and earlier created_at.
//
// Failure modes are split into two kinds: NotAvailableError (store
// unreachable, retrieval degrades to empty) and InvalidError (shape
// mismatch, fatal for the operation). Reads never error on an empty result.
package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

// MessageQuery holds the filters for a similar-messages search.
//
// SessionID nil disables session scoping; the retrieval orchestrator always
// sets it. ProjectID nil matches all projects.
type MessageQuery struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	SessionID *uuid.UUID
	Limit     int
	Threshold float64
}

// DocumentQuery holds the filters for a similar-documents search.
type DocumentQuery struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	Limit     int
	Threshold float64
}

// GlobalQuery holds the filters for a similar-global-knowledge search.
type GlobalQuery struct {
	Limit      int
	Threshold  float64
	MinQuality float64
}

// Store is the vector store contract consumed by retrieval, ingestion, and
// the background ingester.
type Store interface {
	// SimilarMessages returns message hits in descending similarity order,
	// scoped to the query's user and, when set, project and session.
	SimilarMessages(ctx context.Context, qvec []float32, q MessageQuery) ([]datatypes.RetrievalHit, error)

	// SimilarDocuments returns document-chunk hits in descending similarity
	// order, scoped to the query's user and optional project.
	SimilarDocuments(ctx context.Context, qvec []float32, q DocumentQuery) ([]datatypes.RetrievalHit, error)

	// SimilarGlobal returns tenant-agnostic pattern hits at or above the
	// quality floor.
	SimilarGlobal(ctx context.Context, qvec []float32, q GlobalQuery) ([]datatypes.RetrievalHit, error)

	// InsertDocumentChunk persists one chunk. Idempotent on
	// (asset_id, chunk_index): a duplicate insert is a no-op.
	InsertDocumentChunk(ctx context.Context, chunk datatypes.DocumentChunk) error

	// InsertMessageEmbedding persists one message embedding. Idempotent on
	// message_id.
	InsertMessageEmbedding(ctx context.Context, emb datatypes.MessageEmbedding) error

	// InsertGlobalKnowledge persists one curated pattern. Idempotent on
	// knowledge_id.
	InsertGlobalKnowledge(ctx context.Context, rec datatypes.GlobalKnowledge) error

	// DeleteAssetChunks removes every chunk belonging to an asset and
	// returns the number removed.
	DeleteAssetChunks(ctx context.Context, assetID uuid.UUID) (int64, error)

	// DeleteSessionMessages removes every message embedding belonging to a
	// session and returns the number removed.
	DeleteSessionMessages(ctx context.Context, sessionID uuid.UUID) (int64, error)

	// TouchSessionActivity sets the session's last_message_at to now.
	// Best-effort; independent of message insertion.
	TouchSessionActivity(ctx context.Context, sessionID uuid.UUID) error
}

// Config holds store connection configuration.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string

	// MaxConns is the pool ceiling. Sized at roughly twice the expected
	// concurrent turns. Default: 8.
	MaxConns int32

	// QueryTimeout bounds a single read or write. Default: 5s.
	QueryTimeout time.Duration
}

// DefaultConfig returns the default store configuration.
//
// Values can be overridden via environment variables:
//   - DATABASE_URL (no default; required to connect)
//   - VECTORSTORE_MAX_CONNS (default: 8)
//   - VECTORSTORE_QUERY_TIMEOUT_MS (default: 5000)
func DefaultConfig() Config {
	return Config{
		DSN:          os.Getenv("DATABASE_URL"),
		MaxConns:     int32(getEnvInt("VECTORSTORE_MAX_CONNS", 8)),
		QueryTimeout: time.Duration(getEnvInt("VECTORSTORE_QUERY_TIMEOUT_MS", 5000)) * time.Millisecond,
	}
}

// validate clamps nonsensical values back to defaults, warning per field.
func (c *Config) validate() {
	if c.MaxConns <= 0 {
		slog.Warn("vectorstore config: MaxConns must be positive, using 8", "value", c.MaxConns)
		c.MaxConns = 8
	}
	if c.QueryTimeout <= 0 {
		slog.Warn("vectorstore config: QueryTimeout must be positive, using 5s", "value", c.QueryTimeout)
		c.QueryTimeout = 5 * time.Second
	}
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
