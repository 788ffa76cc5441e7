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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/background"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/generation"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/retrieval"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeRetriever struct {
	block datatypes.ContextBlock
	err   error
	got   *retrieval.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retrieval.Request) (datatypes.ContextBlock, error) {
	f.got = &req
	return f.block, f.err
}

type fakeGenerator struct {
	deltas []string
	result generation.Result
	err    error
	got    *generation.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request, onDelta generation.DeltaFunc) (generation.Result, error) {
	f.got = &req
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return f.result, err
		}
	}
	return f.result, f.err
}

type fakeRecorder struct {
	turns []background.Turn
}

func (f *fakeRecorder) IngestTurn(turn background.Turn) {
	f.turns = append(f.turns, turn)
}

// =============================================================================
// SSE Parsing Helpers
// =============================================================================

type sseEvent struct {
	name string
	data datatypes.StreamEvent
}

// parseSSE decodes the recorded response body into events, skipping
// keepalive comments.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(data), &ev.data); err != nil {
					t.Fatalf("event data is not valid JSON: %v (%q)", err, data)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

// =============================================================================
// Test Setup
// =============================================================================

func chatBody(t *testing.T, req datatypes.ChatRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewReader(data)
}

func validChatRequest() datatypes.ChatRequest {
	return datatypes.ChatRequest{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		Message:   "What tone should my carousel use?",
	}
}

func runChat(t *testing.T, h *ChatHandler, req datatypes.ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/v1/chat/stream", h.HandleChatStream)
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", chatBody(t, req))
	httpReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, httpReq)
	return rec
}

// =============================================================================
// Tests
// =============================================================================

// TestHandleChatStreamHappyPath verifies the full event sequence of a
// successful turn with retrieval hits.
func TestHandleChatStreamHappyPath(t *testing.T) {
	retriever := &fakeRetriever{block: datatypes.ContextBlock{
		Documents: []datatypes.RetrievalHit{{
			Origin:     datatypes.OriginDocument,
			Similarity: 0.83,
			Content:    "Our tone is direct and warm.",
			Metadata:   map[string]any{"filename": "brand-voice.md"},
		}},
	}}
	generator := &fakeGenerator{
		deltas: []string{"Use a ", "direct tone."},
		result: generation.Result{Text: "Use a direct tone."},
	}
	recorder := &fakeRecorder{}
	h := NewChatHandler(retriever, generator, recorder, retrieval.FormatConfig{}, nil)

	req := validChatRequest()
	rec := runChat(t, h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	want := []string{"status", "sources", "status", "token", "token", "done"}
	got := eventNames(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}

	sources := events[1].data.Sources
	if len(sources) != 1 || sources[0].Source != "brand-voice.md" || sources[0].Origin != "document" {
		t.Errorf("sources = %+v", sources)
	}
	if events[3].data.Content+events[4].data.Content != "Use a direct tone." {
		t.Errorf("streamed text wrong: %q %q", events[3].data.Content, events[4].data.Content)
	}
	if events[5].data.SessionId != req.SessionID.String() {
		t.Errorf("done session = %q", events[5].data.SessionId)
	}

	// The generator saw the formatted context and the search permission.
	if !strings.Contains(generator.got.ContextBlock, "brand-voice.md") {
		t.Errorf("context block not formatted into the generation request: %q", generator.got.ContextBlock)
	}
	if !generator.got.EnableWebSearch {
		t.Error("web search defaults to allowed")
	}

	// Both turn sides reach the background ingester.
	if len(recorder.turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(recorder.turns))
	}
	turn := recorder.turns[0]
	if turn.UserText != req.Message || turn.AssistantText != "Use a direct tone." {
		t.Errorf("recorded turn = %+v", turn)
	}
	if turn.SessionID != req.SessionID {
		t.Errorf("turn session = %s, want %s", turn.SessionID, req.SessionID)
	}
}

// TestHandleChatStreamHashChain verifies events link hash to hash.
func TestHandleChatStreamHashChain(t *testing.T) {
	h := NewChatHandler(&fakeRetriever{}, &fakeGenerator{
		deltas: []string{"hi"},
		result: generation.Result{Text: "hi"},
	}, &fakeRecorder{}, retrieval.FormatConfig{}, nil)

	rec := runChat(t, h, validChatRequest())
	events := parseSSE(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].data.PrevHash != "" {
		t.Errorf("first event PrevHash = %q, want empty", events[0].data.PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].data.PrevHash != events[i-1].data.Hash {
			t.Errorf("event %d PrevHash does not link to event %d Hash", i, i-1)
		}
		if events[i].data.Hash == "" {
			t.Errorf("event %d has no hash", i)
		}
	}
}

// TestHandleChatStreamEmptyContext verifies no sources event when
// retrieval found nothing.
func TestHandleChatStreamEmptyContext(t *testing.T) {
	h := NewChatHandler(&fakeRetriever{}, &fakeGenerator{
		deltas: []string{"General advice."},
		result: generation.Result{Text: "General advice."},
	}, &fakeRecorder{}, retrieval.FormatConfig{}, nil)

	rec := runChat(t, h, validChatRequest())
	for _, name := range eventNames(parseSSE(t, rec.Body.String())) {
		if name == "sources" {
			t.Error("sources event must be omitted for an empty context block")
		}
	}
}

// TestHandleChatStreamValidation covers rejected requests.
func TestHandleChatStreamValidation(t *testing.T) {
	h := NewChatHandler(&fakeRetriever{}, &fakeGenerator{}, &fakeRecorder{}, retrieval.FormatConfig{}, nil)

	tests := []struct {
		name   string
		mutate func(*datatypes.ChatRequest)
	}{
		{"null session", func(r *datatypes.ChatRequest) { r.SessionID = uuid.Nil }},
		{"null user", func(r *datatypes.ChatRequest) { r.UserID = uuid.Nil }},
		{"empty message", func(r *datatypes.ChatRequest) { r.Message = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validChatRequest()
			tt.mutate(&req)
			rec := runChat(t, h, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// TestHandleChatStreamGenerationFailure verifies the error event and the
// user-only turn persistence.
func TestHandleChatStreamGenerationFailure(t *testing.T) {
	recorder := &fakeRecorder{}
	h := NewChatHandler(&fakeRetriever{}, &fakeGenerator{
		deltas: []string{"partial "},
		result: generation.Result{Text: "partial "},
		err:    errors.New("provider gone"),
	}, recorder, retrieval.FormatConfig{}, nil)

	req := validChatRequest()
	rec := runChat(t, h, req)

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("last event = %q, want error", last.name)
	}
	if strings.Contains(last.data.Error, "provider gone") {
		t.Errorf("internal detail leaked to client: %q", last.data.Error)
	}

	if len(recorder.turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(recorder.turns))
	}
	if recorder.turns[0].AssistantText != "" {
		t.Error("aborted stream must not persist the assistant turn")
	}
	if recorder.turns[0].UserText != req.Message {
		t.Error("user turn must persist despite the failure")
	}
}

// TestHandleChatStreamWebSearchOptOut verifies the per-request flag
// reaches the generator.
func TestHandleChatStreamWebSearchOptOut(t *testing.T) {
	generator := &fakeGenerator{deltas: []string{"ok"}, result: generation.Result{Text: "ok"}}
	h := NewChatHandler(&fakeRetriever{}, generator, &fakeRecorder{}, retrieval.FormatConfig{}, nil)

	req := validChatRequest()
	disabled := false
	req.EnableWebSearch = &disabled
	runChat(t, h, req)

	if generator.got.EnableWebSearch {
		t.Error("explicit opt-out must disable web search for the turn")
	}
}

// TestHandleChatStreamInvalidSessionFromRetriever verifies the retrieval
// invariant surfaces as an error event.
func TestHandleChatStreamInvalidSessionFromRetriever(t *testing.T) {
	h := NewChatHandler(&fakeRetriever{err: errors.New("session_id must not be null")},
		&fakeGenerator{}, &fakeRecorder{}, retrieval.FormatConfig{}, nil)

	rec := runChat(t, h, validChatRequest())
	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("last event = %q, want error", last.name)
	}
}
