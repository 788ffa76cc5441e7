// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package background persists conversation turns after the response has
// been streamed.
//
// # Description
//
// Once a chat turn finishes, the handler hands the turn to the ingester
// and returns; embedding and storage happen on a detached goroutine so
// they never add latency to the stream. Every operation is best-effort:
// a failed write is logged and dropped, never surfaced to the user, and
// the session-activity touch runs regardless of whether the message
// writes succeeded.
//
// The user turn is persisted even when the stream was aborted mid-way;
// the assistant turn only when it completed.
package background

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("brandpilot.orchestrator.background")

// Embedder is the embedding capability the ingester needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MessageStore is the storage capability the ingester needs.
type MessageStore interface {
	InsertMessageEmbedding(ctx context.Context, emb datatypes.MessageEmbedding) error
	TouchSessionActivity(ctx context.Context, sessionID uuid.UUID) error
}

// Config holds background ingestion configuration.
type Config struct {
	// OpTimeout bounds each individual operation (one embed, one insert,
	// one touch). Default: 3s.
	OpTimeout time.Duration
}

// DefaultConfig returns the default background ingestion configuration.
//
// Values can be overridden via environment variables:
//   - BACKGROUND_OP_TIMEOUT_MS (default: 3000)
func DefaultConfig() Config {
	return Config{
		OpTimeout: time.Duration(getEnvInt("BACKGROUND_OP_TIMEOUT_MS", 3000)) * time.Millisecond,
	}
}

// Turn is one completed chat exchange to persist.
type Turn struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	SessionID uuid.UUID

	// UserText is always persisted.
	UserText string

	// AssistantText is persisted only when non-empty; the handler leaves
	// it empty for aborted streams.
	AssistantText string
}

// Ingester embeds and stores turns off the request path.
type Ingester struct {
	embedder Embedder
	store    MessageStore
	config   Config
	wg       sync.WaitGroup
}

// NewIngester wires an ingester from its dependencies.
func NewIngester(embedder Embedder, store MessageStore, config Config) *Ingester {
	if config.OpTimeout <= 0 {
		config.OpTimeout = 3 * time.Second
	}
	return &Ingester{embedder: embedder, store: store, config: config}
}

// IngestTurn persists a turn on a detached goroutine and returns
// immediately. The goroutine never uses the request context, so client
// disconnects cannot cancel persistence.
func (i *Ingester) IngestTurn(turn Turn) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background ingestion panicked", "panic", r,
					"session_id", turn.SessionID)
			}
		}()
		i.ingestTurn(context.Background(), turn)
	}()
}

// Drain blocks until every in-flight turn has finished. Called during
// graceful shutdown.
func (i *Ingester) Drain() {
	i.wg.Wait()
}

// ingestTurn runs the three best-effort steps synchronously.
func (i *Ingester) ingestTurn(ctx context.Context, turn Turn) {
	ctx, span := tracer.Start(ctx, "background.ingestTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", turn.SessionID.String()),
		attribute.Bool("background.has_assistant_turn", turn.AssistantText != ""),
	)

	if err := i.persistMessage(ctx, turn, "user", turn.UserText); err != nil {
		span.RecordError(err)
		slog.Warn("failed to persist user turn", "session_id", turn.SessionID, "error", err)
	}
	if turn.AssistantText != "" {
		if err := i.persistMessage(ctx, turn, "assistant", turn.AssistantText); err != nil {
			span.RecordError(err)
			slog.Warn("failed to persist assistant turn", "session_id", turn.SessionID, "error", err)
		}
	}

	// The touch is independent of the message writes.
	touchCtx, cancel := context.WithTimeout(ctx, i.config.OpTimeout)
	defer cancel()
	if err := i.store.TouchSessionActivity(touchCtx, turn.SessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session touch failed")
		slog.Warn("failed to touch session activity", "session_id", turn.SessionID, "error", err)
	}
}

// persistMessage embeds one message and writes its embedding row. The
// embed and the insert each get their own timeout.
func (i *Ingester) persistMessage(ctx context.Context, turn Turn, role, text string) error {
	embedCtx, cancel := context.WithTimeout(ctx, i.config.OpTimeout)
	vec, err := i.embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		return err
	}

	insertCtx, cancel := context.WithTimeout(ctx, i.config.OpTimeout)
	defer cancel()
	return i.store.InsertMessageEmbedding(insertCtx, datatypes.MessageEmbedding{
		EmbeddingID:    uuid.New(),
		MessageID:      uuid.New(),
		UserID:         turn.UserID,
		ProjectID:      turn.ProjectID,
		SessionID:      turn.SessionID,
		Role:           role,
		ContentSnippet: datatypes.SnippetOf(text),
		Embedding:      vec,
		CreatedAt:      time.Now().UTC(),
	})
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
