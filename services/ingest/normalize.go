// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"regexp"
	"strings"
)

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// NormalizeText collapses whitespace while preserving paragraph structure.
//
// # Description
//
// Line endings are unified to \n, runs of blank lines become one paragraph
// break (a double newline), and whitespace runs inside a paragraph collapse
// to single spaces. The result is what the chunker and the embedder see;
// chunk_text is stored in this normalized form.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	paragraphs := paragraphSplit.Split(text, -1)
	kept := paragraphs[:0]
	for _, p := range paragraphs {
		collapsed := strings.Join(strings.Fields(p), " ")
		if collapsed != "" {
			kept = append(kept, collapsed)
		}
	}
	return strings.Join(kept, "\n\n")
}
