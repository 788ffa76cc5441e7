// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the orchestrator.
//
// This file contains the SSE wire types emitted by the streaming chat
// endpoint.
package datatypes

// StreamEvent is one Server-Sent Event on the chat stream.
//
// # Description
//
// Events carry an integrity chain: each event's Hash covers its content
// and the previous event's Hash, so a client can verify that no event was
// dropped or reordered in transit.
//
// # Event Types
//
//   - status: Human-readable progress ("Searching your documents...")
//   - sources: Retrieval provenance, emitted once before tokens
//   - token: One content delta
//   - done: Stream completion, carries the session ID
//   - error: Terminal failure, sanitized for the client
type StreamEvent struct {
	Id        string       `json:"id,omitempty"`
	Type      string       `json:"type"`
	Content   string       `json:"content,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionId string       `json:"session_id,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	PrevHash  string       `json:"prev_hash,omitempty"`
}

// SourceInfo is one retrieval source surfaced to the client.
type SourceInfo struct {
	// Source is the provenance label: filename, role, or category.
	Source string `json:"source"`

	// Origin is the store the hit came from (document, message, global).
	Origin string `json:"origin"`

	// Score is the cosine similarity in [0,1].
	Score float64 `json:"score"`
}

// SourcesFromBlock flattens a context block into client-facing source
// entries, preserving section order.
func SourcesFromBlock(block ContextBlock) []SourceInfo {
	sources := make([]SourceInfo, 0, block.TotalHits())
	for _, section := range [][]RetrievalHit{block.Documents, block.PriorMessages, block.GlobalHits} {
		for _, hit := range section {
			sources = append(sources, SourceInfo{
				Source: hit.SourceLabel(),
				Origin: string(hit.Origin),
				Score:  hit.Similarity,
			})
		}
	}
	return sources
}
