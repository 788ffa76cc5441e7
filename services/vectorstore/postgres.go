// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("brandpilot.vectorstore")

// PostgresStore implements Store over a pgxpool connection pool with the
// pgvector extension.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config Config
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects the pool and registers pgvector types on every
// new connection. Fails fast when the DSN is unset or the pool cannot be
// configured; actual connectivity problems surface per query.
func NewPostgresStore(ctx context.Context, config Config) (*PostgresStore, error) {
	config.validate()
	if config.DSN == "" {
		return nil, fmt.Errorf("vectorstore.NewPostgresStore: DATABASE_URL is not set")
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.NewPostgresStore: parse config: %w", err)
	}
	poolCfg.MaxConns = config.MaxConns
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.NewPostgresStore: create pool: %w", err)
	}
	return &PostgresStore{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// =============================================================================
// Similarity Reads
// =============================================================================

// SimilarMessages returns message hits in descending similarity order.
func (s *PostgresStore) SimilarMessages(ctx context.Context, qvec []float32, q MessageQuery) ([]datatypes.RetrievalHit, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SimilarMessages")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.user_id", q.UserID.String()),
		attribute.Bool("store.session_scoped", q.SessionID != nil),
		attribute.Int("store.limit", q.Limit),
	)

	if err := checkQueryVector(qvec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		SELECT message_id, user_id, session_id, role, content_snippet,
		       1 - (embedding <=> $1) AS similarity, metadata, created_at
		FROM message_embeddings
		WHERE user_id = $2
		  AND ($3::uuid IS NULL OR project_id = $3)
		  AND ($4::uuid IS NULL OR session_id = $4)
		  AND 1 - (embedding <=> $1) >= $5
		ORDER BY embedding <=> $1 ASC, created_at ASC
		LIMIT $6`

	rows, err := s.pool.Query(ctx, query,
		pgvector.NewVector(qvec), q.UserID, q.ProjectID, q.SessionID, q.Threshold, q.Limit)
	if err != nil {
		return nil, s.classify(span, "SimilarMessages", err)
	}
	defer rows.Close()

	var hits []datatypes.RetrievalHit
	for rows.Next() {
		var (
			messageID, userID, sessionID uuid.UUID
			role, snippet                string
			similarity                   float64
			metadata                     map[string]any
			createdAt                    time.Time
		)
		if err := rows.Scan(&messageID, &userID, &sessionID, &role, &snippet,
			&similarity, &metadata, &createdAt); err != nil {
			return nil, s.classify(span, "SimilarMessages scan", err)
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["role"] = role
		metadata["message_id"] = messageID.String()
		hits = append(hits, datatypes.RetrievalHit{
			Origin:     datatypes.OriginMessage,
			Similarity: roundSimilarity(similarity),
			Content:    snippet,
			UserID:     userID,
			SessionID:  sessionID,
			Metadata:   metadata,
			CreatedAt:  createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(span, "SimilarMessages rows", err)
	}
	span.SetAttributes(attribute.Int("store.hits", len(hits)))
	return hits, nil
}

// SimilarDocuments returns document-chunk hits in descending similarity
// order, ties broken by lower chunk_index then earlier created_at.
func (s *PostgresStore) SimilarDocuments(ctx context.Context, qvec []float32, q DocumentQuery) ([]datatypes.RetrievalHit, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SimilarDocuments")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.user_id", q.UserID.String()),
		attribute.Int("store.limit", q.Limit),
	)

	if err := checkQueryVector(qvec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		SELECT chunk_id, asset_id, user_id, document_type, chunk_index, chunk_text,
		       1 - (embedding <=> $1) AS similarity, metadata, created_at
		FROM document_embeddings
		WHERE user_id = $2
		  AND ($3::uuid IS NULL OR project_id = $3)
		  AND 1 - (embedding <=> $1) >= $4
		ORDER BY embedding <=> $1 ASC, chunk_index ASC, created_at ASC
		LIMIT $5`

	rows, err := s.pool.Query(ctx, query,
		pgvector.NewVector(qvec), q.UserID, q.ProjectID, q.Threshold, q.Limit)
	if err != nil {
		return nil, s.classify(span, "SimilarDocuments", err)
	}
	defer rows.Close()

	var hits []datatypes.RetrievalHit
	for rows.Next() {
		var (
			chunkID, assetID, userID uuid.UUID
			documentType, chunkText  string
			chunkIndex               int
			similarity               float64
			metadata                 map[string]any
			createdAt                time.Time
		)
		if err := rows.Scan(&chunkID, &assetID, &userID, &documentType, &chunkIndex,
			&chunkText, &similarity, &metadata, &createdAt); err != nil {
			return nil, s.classify(span, "SimilarDocuments scan", err)
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["asset_id"] = assetID.String()
		metadata["document_type"] = documentType
		hits = append(hits, datatypes.RetrievalHit{
			Origin:     datatypes.OriginDocument,
			Similarity: roundSimilarity(similarity),
			Content:    chunkText,
			UserID:     userID,
			ChunkIndex: chunkIndex,
			Metadata:   metadata,
			CreatedAt:  createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(span, "SimilarDocuments rows", err)
	}
	span.SetAttributes(attribute.Int("store.hits", len(hits)))
	return hits, nil
}

// SimilarGlobal returns curated pattern hits at or above the quality floor.
func (s *PostgresStore) SimilarGlobal(ctx context.Context, qvec []float32, q GlobalQuery) ([]datatypes.RetrievalHit, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SimilarGlobal")
	defer span.End()
	span.SetAttributes(
		attribute.Int("store.limit", q.Limit),
		attribute.Float64("store.min_quality", q.MinQuality),
	)

	if err := checkQueryVector(qvec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		SELECT knowledge_id, category, pattern_type, example_text, description,
		       quality_score, 1 - (embedding <=> $1) AS similarity, metadata, created_at
		FROM global_knowledge
		WHERE quality_score >= $2
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1 ASC, created_at ASC
		LIMIT $4`

	rows, err := s.pool.Query(ctx, query,
		pgvector.NewVector(qvec), q.MinQuality, q.Threshold, q.Limit)
	if err != nil {
		return nil, s.classify(span, "SimilarGlobal", err)
	}
	defer rows.Close()

	var hits []datatypes.RetrievalHit
	for rows.Next() {
		var (
			knowledgeID                        uuid.UUID
			category, patternType, example     string
			description                        string
			qualityScore, similarity           float64
			metadata                           map[string]any
			createdAt                          time.Time
		)
		if err := rows.Scan(&knowledgeID, &category, &patternType, &example,
			&description, &qualityScore, &similarity, &metadata, &createdAt); err != nil {
			return nil, s.classify(span, "SimilarGlobal scan", err)
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["category"] = category
		metadata["pattern_type"] = patternType
		metadata["quality_score"] = qualityScore
		hits = append(hits, datatypes.RetrievalHit{
			Origin:     datatypes.OriginGlobal,
			Similarity: roundSimilarity(similarity),
			Content:    example,
			Metadata:   metadata,
			CreatedAt:  createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(span, "SimilarGlobal rows", err)
	}
	span.SetAttributes(attribute.Int("store.hits", len(hits)))
	return hits, nil
}

// =============================================================================
// Idempotent Writes
// =============================================================================

// InsertDocumentChunk persists one chunk. A second insert with the same
// (asset_id, chunk_index) is a no-op.
func (s *PostgresStore) InsertDocumentChunk(ctx context.Context, chunk datatypes.DocumentChunk) error {
	ctx, span := tracer.Start(ctx, "vectorstore.InsertDocumentChunk")
	defer span.End()

	if err := checkQueryVector(chunk.Embedding); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		INSERT INTO document_embeddings
			(chunk_id, asset_id, user_id, project_id, document_type,
			 chunk_index, chunk_text, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (asset_id, chunk_index) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		chunk.ChunkID, chunk.AssetID, chunk.UserID, chunk.ProjectID,
		chunk.DocumentType, chunk.ChunkIndex, chunk.ChunkText,
		pgvector.NewVector(chunk.Embedding), chunk.Metadata)
	if err != nil {
		return s.classify(span, "InsertDocumentChunk", err)
	}
	return nil
}

// InsertMessageEmbedding persists one message embedding, no-op on a
// duplicate message_id. A nil session is rejected before the store call.
func (s *PostgresStore) InsertMessageEmbedding(ctx context.Context, emb datatypes.MessageEmbedding) error {
	ctx, span := tracer.Start(ctx, "vectorstore.InsertMessageEmbedding")
	defer span.End()

	if emb.SessionID == uuid.Nil {
		err := &InvalidError{Op: "InsertMessageEmbedding", Err: errors.New("session_id must not be null")}
		span.RecordError(err)
		span.SetStatus(codes.Error, "null session")
		return err
	}
	if err := checkQueryVector(emb.Embedding); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		INSERT INTO message_embeddings
			(embedding_id, message_id, user_id, project_id, session_id,
			 role, content_snippet, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (message_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		emb.EmbeddingID, emb.MessageID, emb.UserID, emb.ProjectID, emb.SessionID,
		emb.Role, emb.ContentSnippet, pgvector.NewVector(emb.Embedding), emb.Metadata)
	if err != nil {
		return s.classify(span, "InsertMessageEmbedding", err)
	}
	return nil
}

// InsertGlobalKnowledge persists one curated pattern, no-op on a duplicate
// knowledge_id. Used by the offline seeding path.
func (s *PostgresStore) InsertGlobalKnowledge(ctx context.Context, rec datatypes.GlobalKnowledge) error {
	ctx, span := tracer.Start(ctx, "vectorstore.InsertGlobalKnowledge")
	defer span.End()

	if err := checkQueryVector(rec.Embedding); err != nil {
		return err
	}
	if rec.QualityScore == 0 {
		rec.QualityScore = 0.7
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	const query = `
		INSERT INTO global_knowledge
			(knowledge_id, category, pattern_type, example_text, description,
			 quality_score, tags, embedding, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		ON CONFLICT (knowledge_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		rec.KnowledgeID, rec.Category, rec.PatternType, rec.ExampleText,
		rec.Description, rec.QualityScore, rec.Tags,
		pgvector.NewVector(rec.Embedding), rec.Metadata)
	if err != nil {
		return s.classify(span, "InsertGlobalKnowledge", err)
	}
	return nil
}

// =============================================================================
// Deletion and Session Maintenance
// =============================================================================

// DeleteAssetChunks removes every chunk belonging to an asset.
func (s *PostgresStore) DeleteAssetChunks(ctx context.Context, assetID uuid.UUID) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteAssetChunks")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM document_embeddings WHERE asset_id = $1`, assetID)
	if err != nil {
		return 0, s.classify(span, "DeleteAssetChunks", err)
	}
	span.SetAttributes(attribute.Int64("store.deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// DeleteSessionMessages removes every message embedding in a session.
func (s *PostgresStore) DeleteSessionMessages(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteSessionMessages")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM message_embeddings WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, s.classify(span, "DeleteSessionMessages", err)
	}
	span.SetAttributes(attribute.Int64("store.deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// TouchSessionActivity sets the session's last_message_at to now. The
// update is independent of message insertion; the two are not atomic.
func (s *PostgresStore) TouchSessionActivity(ctx context.Context, sessionID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "vectorstore.TouchSessionActivity")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_message_at = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return s.classify(span, "TouchSessionActivity", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// checkQueryVector rejects vectors with the wrong dimension before they
// reach the store.
func checkQueryVector(vec []float32) error {
	if len(vec) != datatypes.EmbeddingDim {
		return &InvalidError{Op: "vector check", Err: fmt.Errorf(
			"embedding dimension %d, want %d", len(vec), datatypes.EmbeddingDim)}
	}
	return nil
}

// classify maps a pgx error to the adapter's two failure kinds and records
// it on the span. Server-side SQL errors are shape problems; everything
// else (dial failures, pool exhaustion, deadlines) means the store was not
// available.
func (s *PostgresStore) classify(span trace.Span, op string, err error) error {
	var pgErr *pgconn.PgError
	var out error
	if errors.As(err, &pgErr) {
		out = &InvalidError{Op: op, Err: err}
	} else {
		out = &NotAvailableError{Op: op, Err: err}
	}
	span.RecordError(out)
	span.SetStatus(codes.Error, op+" failed")
	return out
}

// roundSimilarity clamps to [0,1] and rounds to four decimal places so hit
// scores render stably.
func roundSimilarity(s float64) float64 {
	s = math.Round(s*10000) / 10000
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
