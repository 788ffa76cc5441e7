// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("brandpilot.embedding")

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client  *openai.Client
	config  Config
	limiter *rate.Limiter
}

// Compile-time interface check.
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder from environment configuration.
//
// # Description
//
// Reads the API key from OPENAI_API_KEY, falling back to the
// /run/secrets/openai_api_key file when the variable is unset. An optional
// OPENAI_BASE_URL points the client at a compatible proxy.
//
// # Outputs
//
//   - *OpenAIEmbedder: Ready-to-use embedder.
//   - error: When no API key can be found.
func NewOpenAIEmbedder(config Config) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		if data, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(data))
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("embedding.NewOpenAIEmbedder: OPENAI_API_KEY is not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	return NewOpenAIEmbedderWithClient(openai.NewClientWithConfig(clientCfg), config), nil
}

// NewOpenAIEmbedderWithClient wires an existing client, mainly for tests
// pointing at an httptest server.
func NewOpenAIEmbedderWithClient(client *openai.Client, config Config) *OpenAIEmbedder {
	config.validate()
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return &OpenAIEmbedder{client: client, config: config, limiter: limiter}
}

// Embed returns the vector for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
//
// # Description
//
// Each input is truncated to its trailing MaxInputChars characters, then the
// batch is sent in one provider call. Transient failures (network, 5xx, 429)
// are retried with exponential backoff and jitter up to MaxAttempts; other
// 4xx responses and shape mismatches surface as PermanentError.
//
// # Limitations
//
//   - No internal caching; identical inputs cost identical provider calls.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "embedding.EmbedBatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("embedding.batch_size", len(texts)),
		attribute.String("embedding.model", e.config.Model),
	)

	if len(texts) == 0 {
		return nil, nil
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = TruncateInput(t, e.config.MaxInputChars)
	}

	var lastErr error
	delay := e.config.RetryBaseDelay
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, &TransientError{Message: "rate limiter wait cancelled", Err: err}
			}
		}

		vecs, err := e.callProvider(ctx, inputs)
		if err == nil {
			span.SetAttributes(attribute.Int("embedding.attempts", attempt))
			return vecs, nil
		}
		lastErr = err
		if !IsTransientError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent embedding failure")
			return nil, err
		}
		if attempt == e.config.MaxAttempts {
			break
		}

		span.AddEvent("embedding retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
		select {
		case <-time.After(jitter(delay)):
			delay *= 2
		case <-ctx.Done():
			return nil, &TransientError{Message: "context cancelled during backoff", Err: ctx.Err()}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "embedding retries exhausted")
	return nil, lastErr
}

// callProvider performs one embeddings request and checks the vector shape.
func (e *OpenAIEmbedder) callProvider(ctx context.Context, inputs []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, &PermanentError{Message: fmt.Sprintf(
			"provider returned %d embeddings for %d inputs", len(resp.Data), len(inputs))}
	}

	vecs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &PermanentError{Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		if len(d.Embedding) != datatypes.EmbeddingDim {
			return nil, &PermanentError{Message: fmt.Sprintf(
				"embedding dimension %d, want %d", len(d.Embedding), datatypes.EmbeddingDim)}
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// classifyProviderError maps a go-openai error to Transient or Permanent.
// 429 counts as transient; every other 4xx is permanent.
func classifyProviderError(err error) error {
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
	// Network and timeout errors arrive untyped.
	return &TransientError{Message: err.Error(), Err: err}
}

// jitter applies +/-25% to d.
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}
