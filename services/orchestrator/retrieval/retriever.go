// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval fans out the three similarity searches and assembles
// the context block for a turn.
//
// # Description
//
// Retrieve expands the user turn into a retrieval query, embeds it, and
// runs the document, message, and global searches in parallel under one
// wall-clock deadline. Partial results are used when a search misses the
// deadline or its store is unavailable; the operation never fails to the
// caller except on a violated session invariant. The merged hits pass a
// session-isolation audit, a diversity filter, and per-source caps before
// formatting.
package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/conversation"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
	"github.com/brandpilot-ai/brandpilot/services/vectorstore"
)

var tracer = otel.Tracer("brandpilot.orchestrator.retrieval")

// QueryEmbedder is the slice of the embedding client retrieval needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the vector store retrieval reads through.
type Searcher interface {
	SimilarMessages(ctx context.Context, qvec []float32, q vectorstore.MessageQuery) ([]datatypes.RetrievalHit, error)
	SimilarDocuments(ctx context.Context, qvec []float32, q vectorstore.DocumentQuery) ([]datatypes.RetrievalHit, error)
	SimilarGlobal(ctx context.Context, qvec []float32, q vectorstore.GlobalQuery) ([]datatypes.RetrievalHit, error)
}

// Config holds retrieval tuning knobs.
type Config struct {
	// DocK, MsgK, GlobalK are the per-source match counts requested from
	// the store. Defaults: 15, 6, 3.
	DocK    int
	MsgK    int
	GlobalK int

	// Threshold is the similarity floor for all three sources.
	// Default: 0.10. Treated as a knob with no semantic claims.
	Threshold float64

	// GlobalMinQuality is the quality floor for global patterns.
	// Default: 0.60.
	GlobalMinQuality float64

	// Deadline bounds the whole fan-out. Default: 5s.
	Deadline time.Duration

	// HistoryBiasChars bounds how much of the last user history turn is
	// appended to the query. Default: 500.
	HistoryBiasChars int

	// MaxDocs, MaxMsgs, MaxGlobal cap each section after the audit and
	// diversity filters. Defaults: 10, 6, 3.
	MaxDocs   int
	MaxMsgs   int
	MaxGlobal int

	// EnforceIsolation keeps the session audit on. Default: true.
	EnforceIsolation bool
}

// DefaultConfig returns the default retrieval configuration.
//
// Values can be overridden via environment variables:
//   - RETRIEVAL_DOC_K (default: 15)
//   - RETRIEVAL_MSG_K (default: 6)
//   - RETRIEVAL_GLOBAL_K (default: 3)
//   - RETRIEVAL_THRESHOLD (default: 0.10)
//   - RETRIEVAL_GLOBAL_MIN_QUALITY (default: 0.60)
//   - RETRIEVAL_DEADLINE_MS (default: 5000)
//   - RETRIEVAL_HISTORY_BIAS_CHARS (default: 500)
//   - RETRIEVAL_MAX_DOCS (default: 10)
//   - RETRIEVAL_MAX_MSGS (default: 6)
//   - RETRIEVAL_MAX_GLOBAL (default: 3)
//   - SESSION_ENFORCE_ISOLATION (default: true)
func DefaultConfig() Config {
	return Config{
		DocK:             getEnvInt("RETRIEVAL_DOC_K", 15),
		MsgK:             getEnvInt("RETRIEVAL_MSG_K", 6),
		GlobalK:          getEnvInt("RETRIEVAL_GLOBAL_K", 3),
		Threshold:        getEnvFloat("RETRIEVAL_THRESHOLD", 0.10),
		GlobalMinQuality: getEnvFloat("RETRIEVAL_GLOBAL_MIN_QUALITY", 0.60),
		Deadline:         time.Duration(getEnvInt("RETRIEVAL_DEADLINE_MS", 5000)) * time.Millisecond,
		HistoryBiasChars: getEnvInt("RETRIEVAL_HISTORY_BIAS_CHARS", 500),
		MaxDocs:          getEnvInt("RETRIEVAL_MAX_DOCS", 10),
		MaxMsgs:          getEnvInt("RETRIEVAL_MAX_MSGS", 6),
		MaxGlobal:        getEnvInt("RETRIEVAL_MAX_GLOBAL", 3),
		EnforceIsolation: getEnvBool("SESSION_ENFORCE_ISOLATION", true),
	}
}

// Request identifies one turn's retrieval.
type Request struct {
	UserText  string
	UserID    uuid.UUID
	SessionID uuid.UUID
	ProjectID *uuid.UUID
	History   []datatypes.Message
}

// Retriever orchestrates the parallel fan-out.
type Retriever struct {
	embedder QueryEmbedder
	searcher Searcher
	config   Config
}

// NewRetriever wires a retriever from its dependencies.
func NewRetriever(embedder QueryEmbedder, searcher Searcher, config Config) *Retriever {
	return &Retriever{embedder: embedder, searcher: searcher, config: config}
}

// Retrieve assembles the context block for one turn.
//
// # Description
//
// The three searches run concurrently without shared mutable state, each
// observing the shared deadline through its context. A search that fails
// or misses the deadline contributes an empty list and a log line; the
// turn proceeds with whatever arrived. Embedding failure short-circuits to
// an empty block so generation can still answer from general knowledge.
//
// # Outputs
//
//   - datatypes.ContextBlock: Sections in fixed order, each in descending
//     similarity.
//   - error: Only when SessionID is null, which is a programmer error
//     upstream. Every provider-side failure degrades instead of erroring.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (datatypes.ContextBlock, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.user_id", req.UserID.String()),
		attribute.String("retrieval.session_id", req.SessionID.String()),
	)

	if req.SessionID == uuid.Nil {
		return datatypes.ContextBlock{}, fmt.Errorf("retrieval.Retrieve: session_id must not be null")
	}

	query := r.buildQuery(req)
	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, continuing without retrieval",
			"session_id", req.SessionID, "error", err)
		span.AddEvent("query embedding failed")
		return datatypes.ContextBlock{}, nil
	}

	fanCtx, cancel := context.WithTimeout(ctx, r.config.Deadline)
	defer cancel()

	var docs, msgs, globs []datatypes.RetrievalHit
	g, gctx := errgroup.WithContext(fanCtx)
	g.Go(func() error {
		hits, err := r.searcher.SimilarDocuments(gctx, qvec, vectorstore.DocumentQuery{
			UserID:    req.UserID,
			ProjectID: req.ProjectID,
			Limit:     r.config.DocK,
			Threshold: r.config.Threshold,
		})
		docs = r.degrade("documents", req.SessionID, hits, err)
		return nil
	})
	g.Go(func() error {
		sessionID := req.SessionID
		hits, err := r.searcher.SimilarMessages(gctx, qvec, vectorstore.MessageQuery{
			UserID:    req.UserID,
			ProjectID: req.ProjectID,
			SessionID: &sessionID,
			Limit:     r.config.MsgK,
			Threshold: r.config.Threshold,
		})
		msgs = r.degrade("messages", req.SessionID, hits, err)
		return nil
	})
	g.Go(func() error {
		hits, err := r.searcher.SimilarGlobal(gctx, qvec, vectorstore.GlobalQuery{
			Limit:      r.config.GlobalK,
			Threshold:  r.config.Threshold,
			MinQuality: r.config.GlobalMinQuality,
		})
		globs = r.degrade("global", req.SessionID, hits, err)
		return nil
	})
	_ = g.Wait() // goroutines degrade internally and never return errors

	if r.config.EnforceIsolation {
		msgs = r.auditSessionIsolation(msgs, req.SessionID)
	}

	block := datatypes.ContextBlock{
		Documents:     capHits(diversityFilter(docs), r.config.MaxDocs),
		PriorMessages: capHits(diversityFilter(msgs), r.config.MaxMsgs),
		GlobalHits:    capHits(diversityFilter(globs), r.config.MaxGlobal),
	}
	span.SetAttributes(
		attribute.Int("retrieval.docs", len(block.Documents)),
		attribute.Int("retrieval.msgs", len(block.PriorMessages)),
		attribute.Int("retrieval.global", len(block.GlobalHits)),
	)
	return block, nil
}

// buildQuery expands the user turn and appends the last user history turn
// to bias the embedding toward the ongoing topic.
func (r *Retriever) buildQuery(req Request) string {
	query := conversation.Expand(req.UserText)
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role != "user" {
			continue
		}
		bias := req.History[i].Content
		if runes := []rune(bias); len(runes) > r.config.HistoryBiasChars {
			bias = string(runes[:r.config.HistoryBiasChars])
		}
		if bias != "" {
			query = query + " " + bias
		}
		break
	}
	return query
}

// degrade maps one search outcome to its hit list, logging failures.
// Store-unavailable and deadline errors are expected degradations; an
// invalid shape is logged loudly because it means a migration problem.
func (r *Retriever) degrade(source string, sessionID uuid.UUID, hits []datatypes.RetrievalHit, err error) []datatypes.RetrievalHit {
	if err == nil {
		return hits
	}
	if vectorstore.IsInvalidError(err) {
		slog.Error("retrieval source returned invalid results",
			"source", source, "session_id", sessionID, "error", err)
	} else {
		slog.Warn("retrieval source degraded to empty",
			"source", source, "session_id", sessionID, "error", err)
	}
	return nil
}

// auditSessionIsolation drops message hits from other sessions. The
// store-side filter is authoritative; this is defense in depth, so a drop
// here warrants a warning.
func (r *Retriever) auditSessionIsolation(msgs []datatypes.RetrievalHit, sessionID uuid.UUID) []datatypes.RetrievalHit {
	kept := msgs[:0]
	for _, h := range msgs {
		if h.SessionID != sessionID {
			slog.Warn("session isolation audit dropped a cross-session hit",
				"expected_session", sessionID, "hit_session", h.SessionID)
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// diversityFilter drops a later hit whose first 100 characters hash equal
// to an earlier kept hit's, removing near-duplicate chunks from adjacent
// overlap windows.
func diversityFilter(hits []datatypes.RetrievalHit) []datatypes.RetrievalHit {
	seen := make(map[uint64]struct{}, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		key := contentPrefixHash(h.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, h)
	}
	return kept
}

// contentPrefixHash hashes the first 100 runes of content.
func contentPrefixHash(content string) uint64 {
	runes := []rune(content)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(runes)))
	return h.Sum64()
}

// capHits keeps at most n leading hits.
func capHits(hits []datatypes.RetrievalHit, n int) []datatypes.RetrievalHit {
	if len(hits) > n {
		return hits[:n]
	}
	return hits
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
