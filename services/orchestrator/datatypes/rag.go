// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the orchestrator.
//
// This file contains the retrieval-side types: hits returned by the vector
// store, the assembled context block, and the document chunk records written
// by the ingestor. For chat request/response types, see chat.go.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the fixed dimension of every stored and query vector.
// Validated at startup; a store row with a different dimension is a fatal
// shape mismatch, not a retrieval miss.
const EmbeddingDim = 1536

// HitOrigin identifies which store a retrieval hit came from.
type HitOrigin string

const (
	OriginMessage  HitOrigin = "message"
	OriginDocument HitOrigin = "document"
	OriginGlobal   HitOrigin = "global"
)

// RetrievalHit is one row returned by a similarity search.
//
// # Description
//
// RetrievalHit carries the payload text, its cosine similarity to the query
// vector (in [0,1]), and enough provenance to render a source label and to
// audit session scoping. Hits live for the duration of one turn and are
// never persisted.
//
// # Fields
//
//   - Origin: which store produced the hit (message, document, global).
//   - Similarity: 1 - cosine_distance, already thresholded store-side.
//   - Content: the chunk text, message snippet, or pattern example.
//   - SessionID: populated only for message hits; used by the
//     session-isolation audit in the retrieval orchestrator.
//   - Metadata: opaque provenance map (filename, role, category, ...).
type RetrievalHit struct {
	Origin     HitOrigin      `json:"origin"`
	Similarity float64        `json:"similarity"`
	Content    string         `json:"content"`
	UserID     uuid.UUID      `json:"user_id,omitempty"`
	SessionID  uuid.UUID      `json:"session_id,omitempty"`
	ChunkIndex int            `json:"chunk_index,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// SourceLabel returns the provenance label rendered into the context block:
// the filename for document hits, the role for message hits, and the
// category for global hits. Falls back to the origin name.
func (h RetrievalHit) SourceLabel() string {
	var key string
	switch h.Origin {
	case OriginDocument:
		key = "filename"
	case OriginMessage:
		key = "role"
	case OriginGlobal:
		key = "category"
	}
	if key != "" {
		if v, ok := h.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return string(h.Origin)
}

// ContextBlock holds the merged retrieval results for one turn, one section
// per store, each in descending similarity order. Section order is fixed:
// documents, prior messages, global patterns.
type ContextBlock struct {
	Documents     []RetrievalHit `json:"documents"`
	PriorMessages []RetrievalHit `json:"prior_messages"`
	GlobalHits    []RetrievalHit `json:"global_hits"`
}

// Empty reports whether no section holds any hit.
func (c ContextBlock) Empty() bool {
	return len(c.Documents) == 0 && len(c.PriorMessages) == 0 && len(c.GlobalHits) == 0
}

// TotalHits returns the number of hits across all sections.
func (c ContextBlock) TotalHits() int {
	return len(c.Documents) + len(c.PriorMessages) + len(c.GlobalHits)
}

// DocumentChunk is one embedded window of an ingested asset.
//
// Invariants: (AssetID, ChunkIndex) is unique; Embedding has length
// EmbeddingDim; deleting an asset deletes all its chunks.
type DocumentChunk struct {
	ChunkID      uuid.UUID      `json:"chunk_id"`
	AssetID      uuid.UUID      `json:"asset_id"`
	UserID       uuid.UUID      `json:"user_id"`
	ProjectID    *uuid.UUID     `json:"project_id,omitempty"`
	DocumentType string         `json:"document_type"`
	ChunkIndex   int            `json:"chunk_index"`
	ChunkText    string         `json:"chunk_text"`
	Embedding    []float32      `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MessageEmbedding is the persisted embedding of one chat message.
//
// SessionID is always populated so every retrieval may be session-scoped;
// a null session at write time is a programmer error upstream.
type MessageEmbedding struct {
	EmbeddingID    uuid.UUID      `json:"embedding_id"`
	MessageID      uuid.UUID      `json:"message_id"`
	UserID         uuid.UUID      `json:"user_id"`
	ProjectID      *uuid.UUID     `json:"project_id,omitempty"`
	SessionID      uuid.UUID      `json:"session_id"`
	Role           string         `json:"role"`
	ContentSnippet string         `json:"content_snippet"`
	Embedding      []float32      `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// GlobalKnowledge is one curated, tenant-agnostic pattern record. Seeded
// offline; read-only in the hot path.
type GlobalKnowledge struct {
	KnowledgeID  uuid.UUID      `json:"knowledge_id"`
	Category     string         `json:"category"`
	PatternType  string         `json:"pattern_type"`
	ExampleText  string         `json:"example_text"`
	Description  string         `json:"description"`
	QualityScore float64        `json:"quality_score"`
	Tags         []string       `json:"tags,omitempty"`
	Embedding    []float32      `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MessageSnippetLimit is the maximum length of the content snippet stored
// alongside a message embedding.
const MessageSnippetLimit = 500

// SnippetOf returns the first MessageSnippetLimit runes of content.
func SnippetOf(content string) string {
	r := []rune(content)
	if len(r) <= MessageSnippetLimit {
		return content
	}
	return string(r[:MessageSnippetLimit])
}
