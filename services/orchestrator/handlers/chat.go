// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the orchestrator's HTTP surface.
//
// # Description
//
// The chat handler drives one full turn over SSE: validate the request,
// retrieve the context block, surface its sources, stream the generated
// response token by token, and hand the finished turn to the background
// ingester. Retrieval failures degrade to an empty context; only provider
// failures surface to the client, and always as sanitized error events.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brandpilot-ai/brandpilot/services/llm"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/background"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/generation"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/observability"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/retrieval"
)

var tracer = otel.Tracer("brandpilot.orchestrator.handlers")

// heartbeatInterval is the keepalive cadence. 15s stays well under the
// 60s idle timeout of common load balancers.
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Dependency Contracts
// =============================================================================

// Retriever assembles the context block for a turn.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (datatypes.ContextBlock, error)
}

// Generator streams one chat completion.
type Generator interface {
	Generate(ctx context.Context, req generation.Request, onDelta generation.DeltaFunc) (generation.Result, error)
}

// TurnRecorder persists a finished turn off the request path.
type TurnRecorder interface {
	IngestTurn(turn background.Turn)
}

// =============================================================================
// Chat Handler
// =============================================================================

// ChatHandler handles the streaming chat endpoint.
type ChatHandler struct {
	retriever    Retriever
	generator    Generator
	recorder     TurnRecorder
	formatConfig retrieval.FormatConfig
	metrics      *observability.RAGMetrics
}

// NewChatHandler wires a chat handler. metrics may be nil when the
// metrics endpoint is not configured.
func NewChatHandler(retriever Retriever, generator Generator, recorder TurnRecorder,
	formatConfig retrieval.FormatConfig, metrics *observability.RAGMetrics) *ChatHandler {
	return &ChatHandler{
		retriever:    retriever,
		generator:    generator,
		recorder:     recorder,
		formatConfig: formatConfig,
		metrics:      metrics,
	}
}

// HandleChatStream processes POST /v1/chat/stream.
//
// # Description
//
// SSE stream with events:
//   - status: Progress updates
//   - sources: Retrieval provenance, at most once, before any token
//   - token: Generated deltas in order
//   - done: Completion with session ID
//   - error: Terminal failure (sanitized)
//
// The user turn is persisted even when the stream aborts; the assistant
// turn only when it completed.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleChatStream")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("chat.session_id", req.SessionID.String()),
		attribute.Bool("chat.web_search_allowed", req.WebSearchAllowed()),
	)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	h.streamStarted()
	defer h.streamEnded()
	started := time.Now()

	// Keepalive during retrieval and generation stalls.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = writer.WriteKeepAlive()
			case <-heartbeatDone:
				return
			}
		}
	}()

	_ = writer.WriteStatus("Searching your brand context...")
	retrieveStart := time.Now()
	block, err := h.retriever.Retrieve(ctx, retrieval.Request{
		UserText:  req.Message,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		History:   req.History,
	})
	if err != nil {
		// Only the violated session invariant reaches here.
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval rejected the turn")
		h.recordError(observability.ErrorCodeRetrieval)
		h.recordRequest(false, time.Since(started))
		_ = writer.WriteError("invalid session")
		return
	}
	if h.metrics != nil {
		h.metrics.RecordRetrieval(len(block.Documents), len(block.PriorMessages),
			len(block.GlobalHits), time.Since(retrieveStart).Seconds())
	}
	if !block.Empty() {
		_ = writer.WriteSources(datatypes.SourcesFromBlock(block))
	}

	_ = writer.WriteStatus("Generating response...")
	var firstDelta time.Time
	result, genErr := h.generator.Generate(ctx, generation.Request{
		ContextBlock:    retrieval.Format(block, h.formatConfig),
		History:         req.History,
		UserText:        req.Message,
		EnableWebSearch: req.WebSearchAllowed(),
	}, func(delta string) error {
		if firstDelta.IsZero() {
			firstDelta = time.Now()
			if h.metrics != nil {
				h.metrics.RecordTimeToFirstToken(firstDelta.Sub(started).Seconds())
			}
		}
		return writer.WriteToken(delta)
	})

	if h.metrics != nil && result.WebSearchUsed {
		h.metrics.RecordWebSearch(true)
	}

	// The user turn persists regardless of how the stream ended; the
	// assistant turn only on completion.
	turn := background.Turn{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		UserText:  req.Message,
	}
	if genErr == nil {
		turn.AssistantText = result.Text
	}
	if h.recorder != nil {
		h.recorder.IngestTurn(turn)
	}

	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("chat turn failed",
			"session_id", req.SessionID, "streamed_chars", len(result.Text), "error", genErr)
		h.recordError(classifyGenError(genErr))
		h.recordRequest(false, time.Since(started))
		_ = writer.WriteError("The assistant could not complete this response. Please try again.")
		return
	}

	h.recordRequest(true, time.Since(started))
	_ = writer.WriteDone(req.SessionID.String())
}

// classifyGenError maps a generation failure onto a metrics error code.
func classifyGenError(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		return observability.ErrorCodeClientDisconnect
	case llm.IsTransientError(err), llm.IsPermanentError(err):
		return observability.ErrorCodeLLMError
	}
	return observability.ErrorCodeInternal
}

// =============================================================================
// Metrics Helpers
// =============================================================================

func (h *ChatHandler) recordRequest(success bool, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordChatRequest(success)
	h.metrics.RecordStreamDuration(elapsed.Seconds(), success)
}

func (h *ChatHandler) recordError(code observability.ErrorCode) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordChatError(code)
	if code == observability.ErrorCodeClientDisconnect {
		h.metrics.RecordClientDisconnect()
	}
}

func (h *ChatHandler) streamStarted() {
	if h.metrics != nil {
		h.metrics.StreamStarted()
	}
}

func (h *ChatHandler) streamEnded() {
	if h.metrics != nil {
		h.metrics.StreamEnded()
	}
}
