// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package websearch provides the internet_search tool backing.
//
// # Description
//
// One-shot web search against a Tavily-compatible HTTP API. A single
// attempt under an 8 second deadline; on any failure the caller gets an
// empty result list plus the error, which the chat generator stringifies
// back to the model instead of failing the turn. No caching and no retry.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brandpilot.websearch")

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the web search contract consumed by the chat generator.
type Searcher interface {
	// Search runs one query. On failure it returns an empty list together
	// with the error.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)

	// Enabled reports whether the provider is configured with a key.
	Enabled() bool
}

// Config holds web search configuration.
type Config struct {
	// APIKey enables the tool; empty disables it.
	APIKey string

	// BaseURL is the provider endpoint.
	// Default: "https://api.tavily.com/search".
	BaseURL string

	// Deadline bounds the single attempt. Default: 8s.
	Deadline time.Duration

	// DefaultMaxResults applies when a call passes 0. Default: 5.
	DefaultMaxResults int
}

// DefaultConfig returns the default web search configuration.
//
// Values can be overridden via environment variables:
//   - TAVILY_API_KEY (no default; empty disables the tool)
//   - WEB_SEARCH_BASE_URL (default: "https://api.tavily.com/search")
//   - WEB_SEARCH_DEADLINE_MS (default: 8000)
//   - WEB_SEARCH_MAX_RESULTS (default: 5)
func DefaultConfig() Config {
	return Config{
		APIKey:            os.Getenv("TAVILY_API_KEY"),
		BaseURL:           getEnvString("WEB_SEARCH_BASE_URL", "https://api.tavily.com/search"),
		Deadline:          time.Duration(getEnvInt("WEB_SEARCH_DEADLINE_MS", 8000)) * time.Millisecond,
		DefaultMaxResults: getEnvInt("WEB_SEARCH_MAX_RESULTS", 5),
	}
}

// TavilyClient implements Searcher against the Tavily search API.
type TavilyClient struct {
	config     Config
	httpClient *http.Client
}

// Compile-time interface check.
var _ Searcher = (*TavilyClient)(nil)

// NewTavilyClient creates a client. A missing API key is not an error;
// the client reports Enabled() == false and the generator simply does not
// advertise the tool.
func NewTavilyClient(config Config) *TavilyClient {
	if config.Deadline <= 0 {
		config.Deadline = 8 * time.Second
	}
	if config.DefaultMaxResults <= 0 {
		config.DefaultMaxResults = 5
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.tavily.com/search"
	}
	return &TavilyClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Deadline},
	}
}

// Enabled reports whether an API key is configured.
func (c *TavilyClient) Enabled() bool {
	return c.config.APIKey != ""
}

// tavilyResponse mirrors the provider response body.
type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query against the provider.
//
// # Description
//
// The query is first recency-enhanced: short queries with no year get the
// current year appended, since "latest X" questions want this year's
// answers. One HTTP attempt under the configured deadline; every failure
// path returns an empty slice and the error.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "websearch.Search")
	defer span.End()

	if !c.Enabled() {
		return nil, fmt.Errorf("websearch.Search: no API key configured")
	}
	if maxResults <= 0 {
		maxResults = c.config.DefaultMaxResults
	}
	query = EnhanceRecency(query, time.Now())
	span.SetAttributes(
		attribute.String("websearch.query", query),
		attribute.Int("websearch.max_results", maxResults),
	)

	ctx, cancel := context.WithTimeout(ctx, c.config.Deadline)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"api_key":     c.config.APIKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("websearch.Search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("websearch.Search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("websearch.Search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("websearch.Search: provider returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 response")
		return nil, err
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("websearch.Search: decode response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	span.SetAttributes(attribute.Int("websearch.results", len(results)))
	slog.Debug("web search completed", "query", query, "results", len(results))
	return results, nil
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// recencyQueryLimit is the length under which a query is considered short
// enough to benefit from a year hint.
const recencyQueryLimit = 60

// EnhanceRecency appends the current year to short queries that mention
// no year, biasing providers toward fresh results.
func EnhanceRecency(query string, now time.Time) string {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) >= recencyQueryLimit || yearPattern.MatchString(trimmed) {
		return trimmed
	}
	return trimmed + " " + strconv.Itoa(now.Year())
}

// FormatResults renders search hits as the textual tool result fed back
// to the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No web search results were found."
	}
	var b strings.Builder
	b.WriteString("## Web Search Results\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
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
