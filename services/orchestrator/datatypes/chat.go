// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides shared data structures for the orchestrator.
//
// This file contains the chat request/response types exchanged with the
// HTTP surface. For retrieval-side types, see rag.go.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024

	// MaxHistoryMessages is the maximum number of history messages accepted
	// in a single request. Older turns beyond this are the caller's problem.
	MaxHistoryMessages = 100
)

// chatValidate is the shared validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized payloads
// are rejected before they reach the providers.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the body of a streamed chat turn.
//
// # Description
//
// ChatRequest carries everything the pipeline needs for one turn: the
// identifiers that scope retrieval, the user text, the prior history, and
// the per-request web-search flag. SessionID is mandatory; retrieval is
// always session-scoped and a missing session is rejected before any
// store call is made.
//
// # Fields
//
//   - UserID: Required. Owner of the corpus being searched.
//   - SessionID: Required. The conversation boundary for message retrieval.
//   - ProjectID: Optional. Soft filter over documents and messages.
//   - Message: Required. The current user turn, up to 32KB.
//   - History: Prior turns, oldest first, up to 100 entries.
//   - EnableWebSearch: When nil, web search is available if configured.
//     An explicit false disables the tool for this turn.
type ChatRequest struct {
	UserID          uuid.UUID  `json:"user_id" validate:"required"`
	SessionID       uuid.UUID  `json:"session_id" validate:"required"`
	ProjectID       *uuid.UUID `json:"project_id,omitempty"`
	Message         string     `json:"message" validate:"required,maxbytes"`
	History         []Message  `json:"history,omitempty" validate:"omitempty,max=100,dive"`
	EnableWebSearch *bool      `json:"enable_web_search,omitempty"`
}

// Validate checks field constraints and the session invariant.
func (r *ChatRequest) Validate() error {
	if r.SessionID == uuid.Nil {
		return fmt.Errorf("chat request: session_id must not be null")
	}
	if r.UserID == uuid.Nil {
		return fmt.Errorf("chat request: user_id must not be null")
	}
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("chat request validation: %w", err)
	}
	return nil
}

// WebSearchAllowed reports whether this request permits the web-search tool.
// Absent means allowed; only an explicit false disables it.
func (r *ChatRequest) WebSearchAllowed() bool {
	return r.EnableWebSearch == nil || *r.EnableWebSearch
}

// LastUserTurn returns the content of the most recent user message in
// History, or "" when there is none.
func (r *ChatRequest) LastUserTurn() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == "user" {
			return r.History[i].Content
		}
	}
	return ""
}

// =============================================================================
// Ingest Request Types
// =============================================================================

// IngestRequest is the body of a document ingestion call.
type IngestRequest struct {
	AssetID     uuid.UUID  `json:"asset_id" validate:"required"`
	UserID      uuid.UUID  `json:"user_id" validate:"required"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Filename    string     `json:"filename" validate:"required"`
	ContentType string     `json:"content_type" validate:"required"`
	// Content is base64 over the wire; handlers decode before calling the
	// ingestor.
	Content string `json:"content" validate:"required"`
}

// Validate checks field constraints on an ingest request.
func (r *IngestRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("ingest request validation: %w", err)
	}
	return nil
}
