// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the chat completion provider.
//
// # Description
//
// LLMClient is the single seam between the chat generator and a concrete
// provider. It supports streamed completions with tool calling: the
// provider emits content deltas and, optionally, structured tool-call
// requests; the caller feeds tool results back as tool-role messages in a
// follow-up call.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ChatMessage is one entry of the conversation sent to the provider.
type ChatMessage struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the message text. For tool-role messages this is the
	// stringified tool result.
	Content string

	// ToolCalls echoes the model's tool invocations on an assistant
	// message when replaying a tool round trip.
	ToolCalls []ToolCall

	// ToolCallID binds a tool-role message to the invocation it answers.
	ToolCallID string
}

// ToolCall is one structured tool invocation emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition declares one callable tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is the JSON-schema object describing the arguments.
	Parameters json.RawMessage
}

// GenerationParams tunes one completion call. Pointer fields distinguish
// "unset" from an explicit zero.
type GenerationParams struct {
	Model       string
	MaxTokens   *int
	Temperature *float32

	// Tools advertises callable tools for this turn.
	Tools []ToolDefinition

	// ForceTool, when non-empty, requires the model to invoke the named
	// tool on this call.
	ForceTool string
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	// StreamEventToken carries one content delta.
	StreamEventToken StreamEventType = "token"

	// StreamEventToolCall carries one structured tool invocation. Emitted
	// once the provider finishes the completion with a tool-call finish
	// reason.
	StreamEventToolCall StreamEventType = "tool_call"

	// StreamEventDone marks a completed stream.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one unit of streamed output.
type StreamEvent struct {
	Type     StreamEventType
	Content  string
	ToolCall *ToolCall
}

// StreamCallback receives stream events in emission order. Returning an
// error aborts the stream and cancels the in-flight provider request.
type StreamCallback func(event StreamEvent) error

// LLMClient is the chat completion provider contract.
type LLMClient interface {
	// ChatStream runs one streamed completion, invoking callback for every
	// event. Returns after the stream ends, a tool call is emitted, or a
	// failure. Content deltas arrive in provider emission order.
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error
}

// TransientError indicates a provider failure worth retrying once before
// any delta has been emitted.
type TransientError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm provider transient error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm provider transient error: %s", e.Message)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates a provider failure retrying cannot fix.
type PermanentError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm provider permanent error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm provider permanent error: %s", e.Message)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransientError reports whether err is (or wraps) a TransientError.
func IsTransientError(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanentError reports whether err is (or wraps) a PermanentError.
func IsPermanentError(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
