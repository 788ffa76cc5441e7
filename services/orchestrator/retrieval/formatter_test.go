// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"
	"testing"

	"github.com/brandpilot-ai/brandpilot/services/orchestrator/datatypes"
)

func testFormatConfig() FormatConfig {
	return FormatConfig{MaxChars: 16000, MaxPayloadChars: 1200}
}

func sampleBlock() datatypes.ContextBlock {
	return datatypes.ContextBlock{
		Documents: []datatypes.RetrievalHit{
			{
				Origin:     datatypes.OriginDocument,
				Similarity: 0.62,
				Content:    "Grounded, intelligent, emotionally honest. Calm authority.",
				Metadata:   map[string]any{"filename": "tone.txt"},
			},
		},
		PriorMessages: []datatypes.RetrievalHit{
			{
				Origin:     datatypes.OriginMessage,
				Similarity: 0.41,
				Content:    "how should my captions sound?",
				Metadata:   map[string]any{"role": "user"},
			},
		},
		GlobalHits: []datatypes.RetrievalHit{
			{
				Origin:     datatypes.OriginGlobal,
				Similarity: 0.3333,
				Content:    "open with a contrarian hook",
				Metadata:   map[string]any{"category": "hooks"},
			},
		},
	}
}

// TestFormatSectionOrderAndShape verifies fixed section order and the hit
// line format.
func TestFormatSectionOrderAndShape(t *testing.T) {
	t.Parallel()

	out := Format(sampleBlock(), testFormatConfig())

	di := strings.Index(out, documentsHeader)
	mi := strings.Index(out, messagesHeader)
	gi := strings.Index(out, globalHeader)
	if di < 0 || mi < 0 || gi < 0 {
		t.Fatalf("missing section header in output:\n%s", out)
	}
	if !(di < mi && mi < gi) {
		t.Errorf("sections out of order: doc=%d msg=%d global=%d", di, mi, gi)
	}

	if !strings.Contains(out, "[1] source=tone.txt similarity=0.62 Grounded, intelligent") {
		t.Errorf("document hit line malformed:\n%s", out)
	}
	if !strings.Contains(out, "[1] source=user similarity=0.41 how should my captions sound?") {
		t.Errorf("message hit line malformed:\n%s", out)
	}
	if !strings.Contains(out, "[1] source=hooks similarity=0.33 open with a contrarian hook") {
		t.Errorf("global hit line malformed:\n%s", out)
	}
}

// TestFormatOmitsEmptySections verifies headers only appear for populated
// sections.
func TestFormatOmitsEmptySections(t *testing.T) {
	t.Parallel()

	block := sampleBlock()
	block.PriorMessages = nil
	block.GlobalHits = nil
	out := Format(block, testFormatConfig())

	if strings.Contains(out, messagesHeader) || strings.Contains(out, globalHeader) {
		t.Errorf("empty sections must be omitted:\n%s", out)
	}
	if !strings.Contains(out, documentsHeader) {
		t.Errorf("populated section missing:\n%s", out)
	}
}

// TestFormatEmptyBlock verifies a fully empty block renders as "".
func TestFormatEmptyBlock(t *testing.T) {
	t.Parallel()

	if out := Format(datatypes.ContextBlock{}, testFormatConfig()); out != "" {
		t.Errorf("empty block must format to empty string, got %q", out)
	}
}

// TestFormatTruncatesPayload verifies long payloads are cut at the payload
// ceiling with an ellipsis marker.
func TestFormatTruncatesPayload(t *testing.T) {
	t.Parallel()

	block := datatypes.ContextBlock{
		Documents: []datatypes.RetrievalHit{{
			Origin:     datatypes.OriginDocument,
			Similarity: 0.9,
			Content:    strings.Repeat("x", 2000),
			Metadata:   map[string]any{"filename": "long.txt"},
		}},
	}
	out := Format(block, testFormatConfig())
	if !strings.Contains(out, strings.Repeat("x", 1200)+ellipsis) {
		t.Error("payload must be truncated to 1200 chars with an ellipsis")
	}
	if strings.Contains(out, strings.Repeat("x", 1201)) {
		t.Error("payload exceeds the truncation ceiling")
	}
}

// TestFormatCeilingDropsLaterHits verifies later-ranked hits are dropped
// first when the block would exceed MaxChars.
func TestFormatCeilingDropsLaterHits(t *testing.T) {
	t.Parallel()

	var docs []datatypes.RetrievalHit
	for i := 0; i < 20; i++ {
		docs = append(docs, datatypes.RetrievalHit{
			Origin:     datatypes.OriginDocument,
			Similarity: 0.9,
			Content:    strings.Repeat("p", 900),
			Metadata:   map[string]any{"filename": "big.txt"},
		})
	}
	cfg := FormatConfig{MaxChars: 3000, MaxPayloadChars: 1200}
	out := Format(datatypes.ContextBlock{Documents: docs}, cfg)

	if len(out) > cfg.MaxChars {
		t.Errorf("formatted length %d exceeds ceiling %d", len(out), cfg.MaxChars)
	}
	if !strings.Contains(out, "[1] ") {
		t.Error("first-ranked hit must survive")
	}
	if strings.Contains(out, "[20] ") {
		t.Error("later-ranked hits must be dropped first")
	}
}

// TestFormatDeterministic verifies byte-equal output for equal input.
func TestFormatDeterministic(t *testing.T) {
	t.Parallel()

	block := sampleBlock()
	first := Format(block, testFormatConfig())
	for i := 0; i < 5; i++ {
		if got := Format(block, testFormatConfig()); got != first {
			t.Fatal("Format is not deterministic")
		}
	}
}
