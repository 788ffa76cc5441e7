// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generation drives the LLM for one chat turn.
//
// # Description
//
// The generator builds the provider conversation from the system prompt,
// the retrieval context block, the trimmed history, and the user turn,
// then runs a small state machine around the streamed completion:
//
//	[Start] - build messages -> [AwaitingLLM]
//	[AwaitingLLM] - text delta -> [Streaming] - more deltas -> [Streaming]
//	[AwaitingLLM] - tool call  -> [ToolRun]
//	[ToolRun] - tool result -> [AwaitingLLM]   (one execution only)
//	[Streaming] - end -> [Done]
//
// The internet_search tool is advertised when web search is configured and
// the request does not disable it; a trigger phrase in the user text
// forces its invocation on the first call. The tool runs at most once per
// turn: a second invocation is refused with a textual fallback telling the
// model to answer from the context it already has.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brandpilot-ai/brandpilot/services/llm"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/websearch"
)

var tracer = otel.Tracer("brandpilot.orchestrator.generation")

// state is the generator's position in the turn state machine.
type state int

const (
	stateStart state = iota
	stateAwaitingLLM
	stateToolRun
	stateStreaming
	stateDone
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateAwaitingLLM:
		return "awaiting_llm"
	case stateToolRun:
		return "tool_run"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// internetSearchTool is the single tool advertised to the model.
var internetSearchTool = llm.ToolDefinition{
	Name:        "internet_search",
	Description: "Search the internet for current information. Use for questions about recent events, trends, statistics, or anything the provided context cannot answer.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"max_results": {"type": "integer", "default": 5}
		},
		"required": ["query"]
	}`),
}

// defaultForceTriggers are the substrings that force a search invocation.
var defaultForceTriggers = []string{
	"search for",
	"look up",
	"find information about",
	"what's the latest",
	"current news",
	"recent research",
	"latest statistics",
	"search:",
	"internet search",
}

// toolRefusalResult is fed back when the model attempts a second search.
const toolRefusalResult = "internet_search already ran this turn. Answer from the existing context and the results you already have."

// maxLLMRounds bounds provider calls per turn: first call, the follow-up
// after the tool result, and one recovery round after a refusal.
const maxLLMRounds = 3

// Config holds generation tuning knobs.
type Config struct {
	// Model overrides the provider default when non-empty.
	Model string

	// MaxTokens is the output ceiling per completion. Default: 6000.
	MaxTokens int

	// InputTokenCeiling trims history when the estimated input exceeds
	// it. Default: 24000.
	InputTokenCeiling int

	// StreamDeadline bounds the whole turn, tool round included.
	// Default: 120s. There is no inter-token deadline.
	StreamDeadline time.Duration

	// ForceTriggers are matched against the lowercased user text; any hit
	// forces the search tool on the first call.
	ForceTriggers []string
}

// DefaultConfig returns the default generation configuration.
//
// Values can be overridden via environment variables:
//   - GENERATION_MODEL (default: provider default)
//   - GENERATION_MAX_TOKENS (default: 6000)
//   - GENERATION_INPUT_TOKEN_CEILING (default: 24000)
//   - GENERATION_STREAM_DEADLINE_MS (default: 120000)
func DefaultConfig() Config {
	return Config{
		Model:             os.Getenv("GENERATION_MODEL"),
		MaxTokens:         getEnvInt("GENERATION_MAX_TOKENS", 6000),
		InputTokenCeiling: getEnvInt("GENERATION_INPUT_TOKEN_CEILING", 24000),
		StreamDeadline:    time.Duration(getEnvInt("GENERATION_STREAM_DEADLINE_MS", 120000)) * time.Millisecond,
		ForceTriggers:     defaultForceTriggers,
	}
}

// Request is one generation turn.
type Request struct {
	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string

	// ContextBlock is the formatted retrieval context, possibly empty.
	ContextBlock string

	History  []datatypes.Message
	UserText string

	// EnableWebSearch permits the tool for this turn. The generator
	// additionally requires the search client to be configured.
	EnableWebSearch bool
}

// Result summarizes a completed turn.
type Result struct {
	// Text is the full assistant response as streamed.
	Text string

	// WebSearchUsed is true when the tool executed.
	WebSearchUsed bool

	// SearchQuery is the query the model issued, when it did.
	SearchQuery string
}

// DeltaFunc receives each text delta in emission order. Returning an
// error cancels the in-flight provider request.
type DeltaFunc func(delta string) error

// Generator drives the LLM with an optional one-shot tool loop.
type Generator struct {
	llmClient llm.LLMClient
	search    websearch.Searcher
	config    Config
}

// NewGenerator wires a generator from its dependencies. search may be nil
// when web search is not configured.
func NewGenerator(llmClient llm.LLMClient, search websearch.Searcher, config Config) *Generator {
	if len(config.ForceTriggers) == 0 {
		config.ForceTriggers = defaultForceTriggers
	}
	if config.StreamDeadline <= 0 {
		config.StreamDeadline = 120 * time.Second
	}
	return &Generator{llmClient: llmClient, search: search, config: config}
}

// Generate runs one turn, streaming text deltas to onDelta.
//
// # Description
//
// A transient provider failure before the first delta retries the whole
// turn once with the same prompt. After the first delta, errors surface
// to the caller as the stream-end error; whatever was streamed stands.
// Tool failures never fail the turn: the stringified error goes back to
// the model as the tool result.
//
// # Outputs
//
//   - Result: The accumulated response and tool usage.
//   - error: Provider failures per the policy above, or ctx cancellation.
func (g *Generator) Generate(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error) {
	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.config.StreamDeadline)
	defer cancel()

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	searchEnabled := req.EnableWebSearch && g.search != nil && g.search.Enabled()
	forced := searchEnabled && containsTrigger(req.UserText, g.config.ForceTriggers)
	span.SetAttributes(
		attribute.Bool("generation.web_search_enabled", searchEnabled),
		attribute.Bool("generation.tool_forced", forced),
	)

	messages := buildMessages(systemPrompt, req.ContextBlock, req.History, req.UserText, g.config.InputTokenCeiling)

	var result Result
	retried := false
	current := stateStart

	for round := 0; round < maxLLMRounds; round++ {
		current = stateAwaitingLLM

		params := llm.GenerationParams{Model: g.config.Model}
		if g.config.MaxTokens > 0 {
			maxTokens := g.config.MaxTokens
			params.MaxTokens = &maxTokens
		}
		// The last round never advertises the tool so the turn terminates.
		if searchEnabled && round < maxLLMRounds-1 {
			params.Tools = []llm.ToolDefinition{internetSearchTool}
		}
		if forced && round == 0 {
			params.ForceTool = internetSearchTool.Name
		}

		var toolCall *llm.ToolCall
		err := g.llmClient.ChatStream(ctx, messages, params, func(ev llm.StreamEvent) error {
			switch ev.Type {
			case llm.StreamEventToken:
				current = stateStreaming
				result.Text += ev.Content
				return onDelta(ev.Content)
			case llm.StreamEventToolCall:
				if toolCall == nil {
					current = stateToolRun
					toolCall = ev.ToolCall
				}
				return nil
			case llm.StreamEventDone:
				current = stateDone
				return nil
			}
			return nil
		})

		if err != nil {
			if llm.IsTransientError(err) && result.Text == "" && !retried {
				retried = true
				slog.Warn("transient provider failure before first delta, retrying turn", "error", err)
				span.AddEvent("turn retried")
				round--
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			return result, err
		}

		if toolCall == nil {
			// Normal completion.
			span.SetAttributes(attribute.Int("generation.response_chars", len(result.Text)))
			return result, nil
		}

		// [ToolRun]: execute or refuse, then loop back to the LLM.
		var toolResult string
		if result.WebSearchUsed {
			slog.Warn("model attempted a second tool invocation, refusing",
				"tool", toolCall.Name)
			toolResult = toolRefusalResult
		} else {
			toolResult, result.SearchQuery = g.runSearch(ctx, toolCall)
			result.WebSearchUsed = true
		}
		messages = append(messages,
			llm.ChatMessage{Role: "assistant", ToolCalls: []llm.ToolCall{*toolCall}},
			llm.ChatMessage{Role: "tool", Content: toolResult, ToolCallID: toolCall.ID},
		)
	}

	return result, fmt.Errorf("generation.Generate: turn stalled in state %s after %d provider rounds", current, maxLLMRounds)
}

// runSearch executes the internet_search invocation. Failures become a
// stringified result for the model rather than an error for the caller.
func (g *Generator) runSearch(ctx context.Context, call *llm.ToolCall) (toolResult, query string) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		slog.Warn("malformed internet_search arguments", "arguments", call.Arguments, "error", err)
		return "internet_search failed: the tool call carried no usable query.", ""
	}

	results, err := g.search.Search(ctx, args.Query, args.MaxResults)
	if err != nil {
		slog.Warn("web search failed", "query", args.Query, "error", err)
		return fmt.Sprintf("internet_search failed: %v", err), args.Query
	}
	return websearch.FormatResults(results), args.Query
}

// containsTrigger reports whether the lowercased text contains any
// trigger substring.
func containsTrigger(text string, triggers []string) bool {
	lowered := strings.ToLower(text)
	for _, t := range triggers {
		if strings.Contains(lowered, t) {
			return true
		}
	}
	return false
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
