// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding turns text into fixed-dimension vectors.
//
// # Description
//
// The package exposes the Embedder interface consumed by the retrieval
// orchestrator, the document ingestor, and the background ingester, plus an
// OpenAI-backed implementation with retry, truncation, and per-process rate
// limiting. The output dimension is fixed at datatypes.EmbeddingDim; a
// provider response with any other length is a permanent shape error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The OpenAI client holds
// one HTTP client and one token bucket shared across turns.
package embedding

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder produces query and storage vectors.
type Embedder interface {
	// Embed returns the vector for a single text. The input is trimmed and,
	// when longer than MaxInputChars, truncated to its trailing
	// MaxInputChars characters before the provider call.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds embedding client configuration.
type Config struct {
	// Model is the provider model identifier.
	// Default: "text-embedding-3-small".
	Model string

	// MaxInputChars is the truncation ceiling. Inputs longer than this keep
	// their last MaxInputChars characters. Default: 8000.
	MaxInputChars int

	// RequestTimeout bounds a single provider call. Default: 10s.
	RequestTimeout time.Duration

	// MaxAttempts is the total number of tries for a transient failure.
	// Default: 3.
	MaxAttempts int

	// RetryBaseDelay is the first backoff delay; each retry doubles it and
	// applies +/-25% jitter. Default: 250ms.
	RetryBaseDelay time.Duration

	// RatePerSecond is the token-bucket refill rate for provider calls.
	// Default: 10. Zero disables limiting.
	RatePerSecond float64

	// RateBurst is the token-bucket burst size. Default: 20.
	RateBurst int
}

// DefaultConfig returns the default embedding configuration.
//
// Values can be overridden via environment variables:
//   - EMBEDDING_MODEL_NAME (default: "text-embedding-3-small")
//   - EMBEDDING_MAX_INPUT_CHARS (default: 8000)
//   - EMBEDDING_REQUEST_TIMEOUT_MS (default: 10000)
//   - EMBEDDING_MAX_ATTEMPTS (default: 3)
//   - EMBEDDING_RETRY_BASE_MS (default: 250)
//   - EMBEDDING_RATE_PER_SECOND (default: 10)
//   - EMBEDDING_RATE_BURST (default: 20)
func DefaultConfig() Config {
	return Config{
		Model:          getEnvString("EMBEDDING_MODEL_NAME", "text-embedding-3-small"),
		MaxInputChars:  getEnvInt("EMBEDDING_MAX_INPUT_CHARS", 8000),
		RequestTimeout: time.Duration(getEnvInt("EMBEDDING_REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
		MaxAttempts:    getEnvInt("EMBEDDING_MAX_ATTEMPTS", 3),
		RetryBaseDelay: time.Duration(getEnvInt("EMBEDDING_RETRY_BASE_MS", 250)) * time.Millisecond,
		RatePerSecond:  getEnvFloat("EMBEDDING_RATE_PER_SECOND", 10),
		RateBurst:      getEnvInt("EMBEDDING_RATE_BURST", 20),
	}
}

// validate clamps nonsensical values back to defaults, warning per field.
func (c *Config) validate() {
	if c.MaxInputChars <= 0 {
		slog.Warn("embedding config: MaxInputChars must be positive, using 8000",
			"value", c.MaxInputChars)
		c.MaxInputChars = 8000
	}
	if c.MaxAttempts <= 0 {
		slog.Warn("embedding config: MaxAttempts must be positive, using 3",
			"value", c.MaxAttempts)
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		slog.Warn("embedding config: RetryBaseDelay must be positive, using 250ms",
			"value", c.RetryBaseDelay)
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		slog.Warn("embedding config: RequestTimeout must be positive, using 10s",
			"value", c.RequestTimeout)
		c.RequestTimeout = 10 * time.Second
	}
}

// TruncateInput trims whitespace and keeps the trailing maxChars characters
// of text. The tail is kept, not the head: for chat usage the most recent
// content carries the topical signal.
func TruncateInput(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxChars {
		return text
	}
	return string(r[len(r)-maxChars:])
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
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
