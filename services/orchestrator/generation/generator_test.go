// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/brandpilot-ai/brandpilot/services/llm"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/websearch"
)

// llmRound scripts one ChatStream call of the fake provider.
type llmRound struct {
	events []llm.StreamEvent
	err    error
}

// scriptedLLM replays one llmRound per ChatStream call, recording what it
// was asked.
type scriptedLLM struct {
	rounds   []llmRound
	calls    int
	params   []llm.GenerationParams
	messages [][]llm.ChatMessage
}

func (s *scriptedLLM) ChatStream(_ context.Context, messages []llm.ChatMessage, params llm.GenerationParams, callback llm.StreamCallback) error {
	if s.calls >= len(s.rounds) {
		return fmt.Errorf("scriptedLLM: unexpected call %d", s.calls+1)
	}
	round := s.rounds[s.calls]
	s.calls++
	s.params = append(s.params, params)
	s.messages = append(s.messages, messages)

	for _, ev := range round.events {
		if err := callback(ev); err != nil {
			return err
		}
	}
	return round.err
}

// fakeSearcher records queries and returns canned results.
type fakeSearcher struct {
	results []websearch.Result
	err     error
	enabled bool
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]websearch.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeSearcher) Enabled() bool { return f.enabled }

func testConfig() Config {
	return Config{
		MaxTokens:         6000,
		InputTokenCeiling: 24000,
		StreamDeadline:    5 * time.Second,
		ForceTriggers:     defaultForceTriggers,
	}
}

func tokenEvents(parts ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, llm.StreamEvent{Type: llm.StreamEventToken, Content: p})
	}
	return append(events, llm.StreamEvent{Type: llm.StreamEventDone})
}

func toolCallEvents(id, name, args string) []llm.StreamEvent {
	return []llm.StreamEvent{{
		Type:     llm.StreamEventToolCall,
		ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: args},
	}}
}

// TestGenerateTextOnly covers the no-tool happy path.
func TestGenerateTextOnly(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{{events: tokenEvents("A strong ", "brand voice.")}}}
	search := &fakeSearcher{enabled: true}
	g := NewGenerator(fake, search, testConfig())

	var streamed []string
	result, err := g.Generate(context.Background(), Request{
		UserText:        "How do I sharpen my brand voice?",
		EnableWebSearch: true,
	}, func(delta string) error {
		streamed = append(streamed, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.Text != "A strong brand voice." {
		t.Errorf("Text = %q", result.Text)
	}
	if strings.Join(streamed, "") != result.Text {
		t.Errorf("streamed deltas %q differ from result text", strings.Join(streamed, ""))
	}
	if result.WebSearchUsed {
		t.Error("no tool call was scripted, WebSearchUsed must be false")
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want 1", fake.calls)
	}
	if len(fake.params[0].Tools) != 1 {
		t.Errorf("tool must be advertised when search is enabled, got %d", len(fake.params[0].Tools))
	}
	if fake.params[0].ForceTool != "" {
		t.Errorf("no trigger present, ForceTool must be empty, got %q", fake.params[0].ForceTool)
	}
}

// TestGenerateForcedTool verifies trigger phrases force the tool on the
// first call only.
func TestGenerateForcedTool(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{
		{events: toolCallEvents("call_1", "internet_search", `{"query":"fitness trends"}`)},
		{events: tokenEvents("Here is what is trending.")},
	}}
	search := &fakeSearcher{enabled: true, results: []websearch.Result{
		{Title: "Trends", URL: "https://t.example", Snippet: "zone 2"},
	}}
	g := NewGenerator(fake, search, testConfig())

	result, err := g.Generate(context.Background(), Request{
		UserText:        "Search for the latest fitness trends",
		EnableWebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if fake.params[0].ForceTool != "internet_search" {
		t.Errorf("first round ForceTool = %q, want internet_search", fake.params[0].ForceTool)
	}
	if fake.params[1].ForceTool != "" {
		t.Errorf("second round must not force the tool, got %q", fake.params[1].ForceTool)
	}
	if !result.WebSearchUsed || result.SearchQuery != "fitness trends" {
		t.Errorf("search not recorded: %+v", result)
	}
	if len(search.queries) != 1 {
		t.Fatalf("search executed %d times, want 1", len(search.queries))
	}

	// The follow-up call must replay the invocation and carry the result.
	followUp := fake.messages[1]
	last, prev := followUp[len(followUp)-1], followUp[len(followUp)-2]
	if prev.Role != "assistant" || len(prev.ToolCalls) != 1 || prev.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool-call echo malformed: %+v", prev)
	}
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("tool result message malformed: %+v", last)
	}
	if !strings.Contains(last.Content, "## Web Search Results") || !strings.Contains(last.Content, "zone 2") {
		t.Errorf("tool result missing formatted hits: %q", last.Content)
	}
}

// TestGenerateToolFailureFeedsBack verifies a failed search becomes a
// textual tool result rather than a turn error.
func TestGenerateToolFailureFeedsBack(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{
		{events: toolCallEvents("call_1", "internet_search", `{"query":"anything"}`)},
		{events: tokenEvents("I could not search, but here is my take.")},
	}}
	search := &fakeSearcher{enabled: true, err: errors.New("provider returned status 502")}
	g := NewGenerator(fake, search, testConfig())

	result, err := g.Generate(context.Background(), Request{
		UserText:        "look up anything",
		EnableWebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if !result.WebSearchUsed {
		t.Error("WebSearchUsed must be true even on failure")
	}
	toolMsg := fake.messages[1][len(fake.messages[1])-1]
	if !strings.Contains(toolMsg.Content, "internet_search failed") || !strings.Contains(toolMsg.Content, "502") {
		t.Errorf("stringified failure missing from tool result: %q", toolMsg.Content)
	}
}

// TestGenerateSecondToolCallRefused verifies the tool runs at most once
// per turn.
func TestGenerateSecondToolCallRefused(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{
		{events: toolCallEvents("call_1", "internet_search", `{"query":"first"}`)},
		{events: toolCallEvents("call_2", "internet_search", `{"query":"second"}`)},
		{events: tokenEvents("Final answer from context.")},
	}}
	search := &fakeSearcher{enabled: true, results: []websearch.Result{{Title: "A", URL: "u", Snippet: "s"}}}
	g := NewGenerator(fake, search, testConfig())

	result, err := g.Generate(context.Background(), Request{
		UserText:        "search for first",
		EnableWebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(search.queries) != 1 || search.queries[0] != "first" {
		t.Errorf("search must execute exactly once, got %v", search.queries)
	}
	refusal := fake.messages[2][len(fake.messages[2])-1]
	if refusal.Role != "tool" || !strings.Contains(refusal.Content, "already ran this turn") {
		t.Errorf("second invocation must be refused, got %+v", refusal)
	}
	if len(fake.params[2].Tools) != 0 {
		t.Errorf("final round must not advertise tools, got %d", len(fake.params[2].Tools))
	}
	if result.Text != "Final answer from context." {
		t.Errorf("Text = %q", result.Text)
	}
}

// TestGenerateRetriesTransientBeforeFirstDelta verifies the single whole
// turn retry.
func TestGenerateRetriesTransientBeforeFirstDelta(t *testing.T) {
	t.Parallel()

	transient := &llm.TransientError{StatusCode: 503, Message: "overloaded"}
	fake := &scriptedLLM{rounds: []llmRound{
		{err: transient},
		{events: tokenEvents("Recovered answer.")},
	}}
	g := NewGenerator(fake, &fakeSearcher{}, testConfig())

	result, err := g.Generate(context.Background(), Request{UserText: "hi"}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate returned error after retry: %v", err)
	}
	if result.Text != "Recovered answer." {
		t.Errorf("Text = %q", result.Text)
	}
	if fake.calls != 2 {
		t.Errorf("provider called %d times, want 2", fake.calls)
	}
}

// TestGenerateRetriesOnlyOnce verifies a second consecutive transient
// failure surfaces.
func TestGenerateRetriesOnlyOnce(t *testing.T) {
	t.Parallel()

	transient := &llm.TransientError{StatusCode: 503, Message: "overloaded"}
	fake := &scriptedLLM{rounds: []llmRound{{err: transient}, {err: transient}}}
	g := NewGenerator(fake, &fakeSearcher{}, testConfig())

	_, err := g.Generate(context.Background(), Request{UserText: "hi"}, func(string) error { return nil })
	if !llm.IsTransientError(err) {
		t.Fatalf("expected the transient error to surface, got %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("provider called %d times, want 2", fake.calls)
	}
}

// TestGenerateNoRetryAfterFirstDelta verifies mid-stream failures surface
// with the partial text intact.
func TestGenerateNoRetryAfterFirstDelta(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{{
		events: []llm.StreamEvent{{Type: llm.StreamEventToken, Content: "partial"}},
		err:    &llm.TransientError{StatusCode: 500, Message: "dropped"},
	}}}
	g := NewGenerator(fake, &fakeSearcher{}, testConfig())

	result, err := g.Generate(context.Background(), Request{UserText: "hi"}, func(string) error { return nil })
	if err == nil {
		t.Fatal("mid-stream failure must surface")
	}
	if fake.calls != 1 {
		t.Errorf("no retry allowed after a delta, provider called %d times", fake.calls)
	}
	if result.Text != "partial" {
		t.Errorf("partial text must be preserved, got %q", result.Text)
	}
}

// TestGenerateSearchDisabled verifies no tool is advertised when the
// request or the client disables search.
func TestGenerateSearchDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		search websearch.Searcher
		enable bool
	}{
		{"request opt-out", &fakeSearcher{enabled: true}, false},
		{"client unconfigured", &fakeSearcher{enabled: false}, true},
		{"nil client", nil, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := &scriptedLLM{rounds: []llmRound{{events: tokenEvents("ok")}}}
			g := NewGenerator(fake, tt.search, testConfig())

			_, err := g.Generate(context.Background(), Request{
				UserText:        "search for something",
				EnableWebSearch: tt.enable,
			}, func(string) error { return nil })
			if err != nil {
				t.Fatalf("Generate returned error: %v", err)
			}
			if len(fake.params[0].Tools) != 0 {
				t.Errorf("tools advertised while search disabled: %d", len(fake.params[0].Tools))
			}
			if fake.params[0].ForceTool != "" {
				t.Errorf("ForceTool set while search disabled: %q", fake.params[0].ForceTool)
			}
		})
	}
}

// TestGenerateMalformedToolArguments verifies unusable arguments feed a
// failure string back instead of crashing the turn.
func TestGenerateMalformedToolArguments(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{
		{events: toolCallEvents("call_1", "internet_search", `{"not json`)},
		{events: tokenEvents("Answered without search.")},
	}}
	search := &fakeSearcher{enabled: true}
	g := NewGenerator(fake, search, testConfig())

	result, err := g.Generate(context.Background(), Request{
		UserText:        "search for x",
		EnableWebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(search.queries) != 0 {
		t.Errorf("malformed arguments must not reach the provider, got %v", search.queries)
	}
	toolMsg := fake.messages[1][len(fake.messages[1])-1]
	if !strings.Contains(toolMsg.Content, "no usable query") {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
	if result.Text != "Answered without search." {
		t.Errorf("Text = %q", result.Text)
	}
}

// TestGenerateCallbackAbort verifies a delta callback error cancels the
// turn.
func TestGenerateCallbackAbort(t *testing.T) {
	t.Parallel()

	fake := &scriptedLLM{rounds: []llmRound{{events: tokenEvents("one", "two")}}}
	g := NewGenerator(fake, &fakeSearcher{}, testConfig())

	seen := 0
	_, err := g.Generate(context.Background(), Request{UserText: "hi"}, func(string) error {
		seen++
		return errors.New("client disconnected")
	})
	if err == nil {
		t.Fatal("callback abort must surface")
	}
	if seen != 1 {
		t.Errorf("callback invoked %d times after abort, want 1", seen)
	}
}

// TestBuildMessagesOrderAndTrim covers prompt assembly.
func TestBuildMessagesOrderAndTrim(t *testing.T) {
	t.Parallel()

	history := []datatypes.Message{
		{Role: "user", Content: "old question"},
		{Role: "assistant", Content: "old answer"},
		{Role: "user", Content: "newer question"},
		{Role: "assistant", Content: "newer answer"},
	}
	msgs := buildMessages("persona", "## Relevant Documents:\n[1] ...", history, "current question", 24000)

	wantRoles := []string{"system", "system", "user", "assistant", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[len(msgs)-1].Content != "current question" {
		t.Errorf("last message = %q", msgs[len(msgs)-1].Content)
	}

	// Empty context drops the second system message.
	msgs = buildMessages("persona", "", nil, "q", 24000)
	if len(msgs) != 2 || msgs[1].Role != "user" {
		t.Errorf("empty context must produce system+user only, got %d messages", len(msgs))
	}

	// A tiny ceiling trims the oldest pair first.
	big := strings.Repeat("x", 2000)
	history = []datatypes.Message{
		{Role: "user", Content: big},
		{Role: "assistant", Content: big},
		{Role: "user", Content: "recent"},
		{Role: "assistant", Content: "kept"},
	}
	msgs = buildMessages("p", "", history, "q", 300)
	for _, m := range msgs {
		if m.Content == big {
			t.Error("oversized old pair must be trimmed")
		}
	}
	found := false
	for _, m := range msgs {
		if m.Content == "kept" {
			found = true
		}
	}
	if !found {
		t.Error("recent history must survive trimming")
	}
}

// TestBuildMessagesHistoryCap verifies the hard turn cap.
func TestBuildMessagesHistoryCap(t *testing.T) {
	t.Parallel()

	history := make([]datatypes.Message, 0, 30)
	for i := 0; i < 30; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, datatypes.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	msgs := buildMessages("p", "", history, "q", 0)

	// system + 20 history + user
	if len(msgs) != 22 {
		t.Fatalf("got %d messages, want 22", len(msgs))
	}
	if msgs[1].Content != "turn 10" {
		t.Errorf("oldest kept turn = %q, want %q", msgs[1].Content, "turn 10")
	}
}
