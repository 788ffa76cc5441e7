// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ChunkConfig controls how normalized text is cut into chunks.
type ChunkConfig struct {
	// TargetChars is the nominal chunk length. Default: 1000.
	TargetChars int

	// OverlapChars is how much of the preceding text each chunk repeats,
	// so sentences cut at a boundary stay retrievable. Default: 200.
	OverlapChars int

	// BoundarySlack is how far from the target a sentence boundary may lie
	// and still be chosen as the split point. Default: 100.
	BoundarySlack int

	// MaxChunks caps chunks per document. Text beyond the cap is dropped
	// and the last kept chunk is marked truncated. Default: 50.
	MaxChunks int
}

// DefaultChunkConfig returns the default chunking configuration.
//
// Values can be overridden via environment variables:
//   - CHUNK_TARGET_CHARS (default: 1000)
//   - CHUNK_OVERLAP_CHARS (default: 200)
//   - CHUNK_BOUNDARY_SLACK (default: 100)
//   - CHUNK_MAX_PER_DOC (default: 50)
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		TargetChars:   getEnvInt("CHUNK_TARGET_CHARS", 1000),
		OverlapChars:  getEnvInt("CHUNK_OVERLAP_CHARS", 200),
		BoundarySlack: getEnvInt("CHUNK_BOUNDARY_SLACK", 100),
		MaxChunks:     getEnvInt("CHUNK_MAX_PER_DOC", 50),
	}
}

// validate clamps nonsensical values back to defaults, warning per field.
func (c *ChunkConfig) validate() {
	if c.TargetChars <= 0 {
		slog.Warn("chunk config: TargetChars must be positive, using 1000", "value", c.TargetChars)
		c.TargetChars = 1000
	}
	if c.OverlapChars < 0 || c.OverlapChars >= c.TargetChars {
		slog.Warn("chunk config: OverlapChars must be in [0, TargetChars), using 200",
			"value", c.OverlapChars)
		c.OverlapChars = 200
	}
	if c.BoundarySlack < 0 {
		slog.Warn("chunk config: BoundarySlack must be non-negative, using 100", "value", c.BoundarySlack)
		c.BoundarySlack = 100
	}
	if c.MaxChunks <= 0 {
		slog.Warn("chunk config: MaxChunks must be positive, using 50", "value", c.MaxChunks)
		c.MaxChunks = 50
	}
}

// Chunk is one window of the normalized document text.
type Chunk struct {
	// Index is the 0-based, dense chunk index within the asset.
	Index int

	// Text is the chunk payload including the overlap prefix. At most
	// TargetChars + OverlapChars characters.
	Text string

	// Truncated marks the last kept chunk when the document would have
	// produced more than MaxChunks.
	Truncated bool
}

// ChunkText cuts normalized text into chunks.
//
// # Description
//
// Split points advance by roughly TargetChars, snapping to the nearest
// sentence boundary within BoundarySlack of the target, falling back to a
// word boundary in the same window, and hard-splitting only when the
// window contains neither. Each chunk after the first prepends the
// trailing OverlapChars of the preceding text.
//
// # Edge cases
//
//   - Empty or whitespace-only text yields no chunks.
//   - A document of exactly MaxChunks * TargetChars characters yields
//     MaxChunks chunks, none truncated.
//   - Anything longer yields MaxChunks chunks with the last marked
//     truncated.
func ChunkText(text string, config ChunkConfig) []Chunk {
	config.validate()
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	pos := 0
	for pos < len(runes) {
		if len(chunks) == config.MaxChunks {
			chunks[len(chunks)-1].Truncated = true
			break
		}

		end := pos + config.TargetChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = snapSplit(runes, end, config.BoundarySlack, pos)
		}

		start := pos - config.OverlapChars
		if start < 0 {
			start = 0
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.TrimSpace(string(runes[start:end])),
		})
		pos = end
	}
	return chunks
}

// snapSplit picks the split point nearest target: a sentence boundary
// within the slack window if one exists, else a word boundary, else the
// hard target. Never returns a position at or before floor.
func snapSplit(runes []rune, target, slack, floor int) int {
	lo := target - slack
	if lo <= floor {
		lo = floor + 1
	}
	hi := target + slack
	if hi > len(runes) {
		hi = len(runes)
	}

	if p := nearestBoundary(runes, lo, hi, target, isSentenceEnd); p > floor {
		return p
	}
	if p := nearestBoundary(runes, lo, hi, target, isWordEnd); p > floor {
		return p
	}
	return target
}

// boundaryFunc reports whether a split immediately after position i is a
// boundary of the given kind.
type boundaryFunc func(runes []rune, i int) bool

// nearestBoundary scans [lo, hi) for the boundary closest to target and
// returns the split position (one past the boundary rune), or 0.
func nearestBoundary(runes []rune, lo, hi, target int, isBoundary boundaryFunc) int {
	best := 0
	bestDist := -1
	for i := lo; i < hi; i++ {
		if !isBoundary(runes, i) {
			continue
		}
		dist := target - i
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = i + 1
			bestDist = dist
		}
	}
	return best
}

// isSentenceEnd reports a terminator rune followed by whitespace or text
// end.
func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	return i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n'
}

// isWordEnd reports a whitespace rune.
func isWordEnd(runes []rune, i int) bool {
	return runes[i] == ' ' || runes[i] == '\n' || runes[i] == '\t'
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
