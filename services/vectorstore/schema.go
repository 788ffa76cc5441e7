// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaStatements creates the three embedding tables and their indexes.
// The vector dimension is fixed; changing it requires a migration, not a
// config edit.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS document_embeddings (
		chunk_id      uuid PRIMARY KEY,
		asset_id      uuid NOT NULL,
		user_id       uuid NOT NULL,
		project_id    uuid,
		document_type text NOT NULL,
		chunk_index   integer NOT NULL,
		chunk_text    text NOT NULL,
		embedding     vector(1536) NOT NULL,
		metadata      jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at    timestamptz NOT NULL DEFAULT now(),
		UNIQUE (asset_id, chunk_index)
	)`,

	`CREATE TABLE IF NOT EXISTS message_embeddings (
		embedding_id    uuid PRIMARY KEY,
		message_id      uuid NOT NULL UNIQUE,
		user_id         uuid NOT NULL,
		project_id      uuid,
		session_id      uuid NOT NULL,
		role            text NOT NULL,
		content_snippet text NOT NULL,
		embedding       vector(1536) NOT NULL,
		metadata        jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS global_knowledge (
		knowledge_id  uuid PRIMARY KEY,
		category      text NOT NULL,
		pattern_type  text NOT NULL,
		example_text  text NOT NULL,
		description   text NOT NULL DEFAULT '',
		quality_score double precision NOT NULL DEFAULT 0.7,
		tags          text[] NOT NULL DEFAULT '{}',
		embedding     vector(1536) NOT NULL,
		metadata      jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at    timestamptz NOT NULL DEFAULT now(),
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS document_embeddings_user_idx
		ON document_embeddings (user_id, project_id)`,
	`CREATE INDEX IF NOT EXISTS message_embeddings_session_idx
		ON message_embeddings (user_id, session_id)`,

	`CREATE INDEX IF NOT EXISTS document_embeddings_vec_idx
		ON document_embeddings USING hnsw (embedding vector_cosine_ops)`,
	`CREATE INDEX IF NOT EXISTS message_embeddings_vec_idx
		ON message_embeddings USING hnsw (embedding vector_cosine_ops)`,
	`CREATE INDEX IF NOT EXISTS global_knowledge_vec_idx
		ON global_knowledge USING hnsw (embedding vector_cosine_ops)`,
}

// EnsureSchema creates the embedding tables and indexes when missing.
//
// # Description
//
// Runs the DDL statements one at a time so a partially provisioned
// database converges. Intended for startup and local development; managed
// deployments run the same statements as migrations.
//
// # Assumptions
//
//   - The connected role may CREATE EXTENSION, or the extension already
//     exists.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore.EnsureSchema: %w", err)
		}
	}
	slog.Info("vector store schema ensured")
	return nil
}
