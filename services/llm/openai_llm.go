// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brandpilot.llm")

// defaultChatModel is used when OPENAI_CHAT_MODEL is unset.
const defaultChatModel = "gpt-4o-mini"

// OpenAIClient implements LLMClient against the OpenAI chat completions
// API, including streamed responses and tool calling.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// Compile-time interface check.
var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client from environment configuration.
//
// # Description
//
// Reads the API key from OPENAI_API_KEY, falling back to the
// /run/secrets/openai_api_key file. OPENAI_CHAT_MODEL overrides the
// default model; OPENAI_BASE_URL points at a compatible proxy.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		if data, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(data))
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm.NewOpenAIClient: OPENAI_API_KEY is not set")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	model := os.Getenv("OPENAI_CHAT_MODEL")
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// NewOpenAIClientWith wires an existing client, mainly for tests pointing
// at an httptest server.
func NewOpenAIClientWith(client *openai.Client, model string) *OpenAIClient {
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIClient{client: client, model: model}
}

// ChatStream runs one streamed completion.
//
// # Description
//
// Content deltas are forwarded to the callback as they arrive. Tool-call
// argument fragments are accumulated by index and emitted as complete
// StreamEventToolCall events when the provider finishes the completion
// with a tool_calls finish reason; a StreamEventDone follows a normal
// finish. A callback error aborts the stream.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "llm.ChatStream")
	defer span.End()

	req := c.buildRequest(messages, params)
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
		attribute.Bool("llm.tool_forced", params.ForceTool != ""),
	)

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		classified := classifyError(err)
		span.RecordError(classified)
		span.SetStatus(codes.Error, "stream open failed")
		return classified
	}
	defer stream.Close()

	// Tool-call fragments arrive spread over many chunks; collect by index.
	pending := map[int]*ToolCall{}
	sawToolFinish := false
	tokens := 0

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			classified := classifyError(err)
			span.RecordError(classified)
			span.SetStatus(codes.Error, "stream receive failed")
			return classified
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			tokens++
			if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
				return fmt.Errorf("llm.ChatStream: callback aborted: %w", err)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := pending[idx]
			if !ok {
				call = &ToolCall{}
				pending[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			sawToolFinish = true
		}
	}

	span.SetAttributes(attribute.Int("llm.deltas", tokens))
	if sawToolFinish && len(pending) > 0 {
		for idx := 0; idx < len(pending); idx++ {
			call, ok := pending[idx]
			if !ok {
				continue
			}
			if err := callback(StreamEvent{Type: StreamEventToolCall, ToolCall: call}); err != nil {
				return fmt.Errorf("llm.ChatStream: callback aborted: %w", err)
			}
		}
		return nil
	}
	if err := callback(StreamEvent{Type: StreamEventDone}); err != nil {
		return fmt.Errorf("llm.ChatStream: callback aborted: %w", err)
	}
	return nil
}

// buildRequest maps the provider-neutral types onto the OpenAI request.
func (c *OpenAIClient) buildRequest(messages []ChatMessage, params GenerationParams) openai.ChatCompletionRequest {
	model := params.Model
	if model == "" {
		model = c.model
	}

	req := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}

	req.Messages = make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, tool := range params.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Parameters),
			},
		})
	}
	if params.ForceTool != "" {
		req.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: params.ForceTool},
		}
	}
	return req
}

// classifyError maps a go-openai failure to Transient or Permanent.
// 429 counts as transient; every other 4xx is permanent.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status >= 500 || status == 429 {
			return &TransientError{StatusCode: status, Message: apiErr.Message, Err: err}
		}
		if status >= 400 {
			return &PermanentError{StatusCode: status, Message: apiErr.Message, Err: err}
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status := reqErr.HTTPStatusCode
		if status >= 400 && status < 500 && status != 429 {
			return &PermanentError{StatusCode: status, Message: reqErr.Error(), Err: err}
		}
		return &TransientError{StatusCode: status, Message: reqErr.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Message: err.Error(), Err: err}
}
