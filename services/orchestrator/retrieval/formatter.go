// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"fmt"
	"strings"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

// Section header lines. Stable strings: the system prompt references them.
const (
	documentsHeader = "## Relevant Documents:"
	messagesHeader  = "## Relevant Prior Messages:"
	globalHeader    = "## Global Patterns:"
)

// ellipsis marks a truncated payload.
const ellipsis = "..."

// FormatConfig controls context block rendering.
type FormatConfig struct {
	// MaxChars is the ceiling for the whole formatted block.
	// Default: 16000.
	MaxChars int

	// MaxPayloadChars truncates each hit's payload. Default: 1200.
	MaxPayloadChars int
}

// DefaultFormatConfig returns the default formatting configuration.
//
// Values can be overridden via environment variables:
//   - CONTEXT_MAX_CHARS (default: 16000)
//   - CONTEXT_MAX_PAYLOAD_CHARS (default: 1200)
func DefaultFormatConfig() FormatConfig {
	return FormatConfig{
		MaxChars:        getEnvInt("CONTEXT_MAX_CHARS", 16000),
		MaxPayloadChars: getEnvInt("CONTEXT_MAX_PAYLOAD_CHARS", 1200),
	}
}

// Format renders a context block as the text prepended to the system
// prompt.
//
// # Description
//
// Sections appear in fixed order (documents, prior messages, global
// patterns); empty sections are omitted. Each hit renders as
//
//	[i] source=<filename|role|category> similarity=<0.00> <payload>
//
// with a per-section 1-based index, the payload truncated to
// MaxPayloadChars and suffixed with an ellipsis when cut. When the block
// approaches MaxChars, later-ranked hits are dropped first: once a hit
// does not fit, it and every hit after it are skipped. Format is pure:
// equal inputs produce byte-equal outputs.
func Format(block datatypes.ContextBlock, config FormatConfig) string {
	if config.MaxChars <= 0 {
		config.MaxChars = 16000
	}
	if config.MaxPayloadChars <= 0 {
		config.MaxPayloadChars = 1200
	}

	type namedSection struct {
		header string
		hits   []datatypes.RetrievalHit
	}
	sections := []namedSection{
		{documentsHeader, block.Documents},
		{messagesHeader, block.PriorMessages},
		{globalHeader, block.GlobalHits},
	}

	var b strings.Builder
	length := 0
	full := false
	for _, sec := range sections {
		if len(sec.hits) == 0 || full {
			continue
		}
		headerLen := len(sec.header) + 1
		if length+headerLen > config.MaxChars {
			break
		}
		wroteHeader := false
		for i, hit := range sec.hits {
			line := renderHit(i+1, hit, config.MaxPayloadChars)
			lineLen := len(line) + 1
			needed := lineLen
			if !wroteHeader {
				needed += headerLen
			}
			if length+needed > config.MaxChars {
				full = true
				break
			}
			if !wroteHeader {
				b.WriteString(sec.header)
				b.WriteByte('\n')
				length += headerLen
				wroteHeader = true
			}
			b.WriteString(line)
			b.WriteByte('\n')
			length += lineLen
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderHit formats one hit line with its per-section index.
func renderHit(index int, hit datatypes.RetrievalHit, maxPayload int) string {
	payload := hit.Content
	if runes := []rune(payload); len(runes) > maxPayload {
		payload = string(runes[:maxPayload]) + ellipsis
	}
	payload = strings.ReplaceAll(payload, "\n", " ")
	return fmt.Sprintf("[%d] source=%s similarity=%.2f %s",
		index, hit.SourceLabel(), hit.Similarity, payload)
}
