// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest extracts, chunks, embeds, and persists uploaded documents.
//
// # Description
//
// The ingestor runs once per uploaded asset, after the upload path has
// stored the raw bytes. It decodes the file into UTF-8 text, normalizes
// whitespace, cuts the text into overlapping chunks on sentence boundaries,
// embeds each chunk, and writes them to the vector store in chunk-index
// order. Persistence is idempotent on (asset_id, chunk_index), so a
// re-invocation for the same asset converges to the same row set.
//
// Failure semantics are graded: extraction failure writes nothing,
// embedding failure aborts after the current batch, persistence failure
// yields partial success with the count of chunks written so far.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// UnsupportedFormatError indicates no extractor exists for a content type.
// Plain text and markdown are always supported; PDF and DOCX require a
// registered extractor.
type UnsupportedFormatError struct {
	ContentType string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("no text extractor available for content type %q", e.ContentType)
}

// IsUnsupportedFormatError reports whether err is (or wraps) an
// UnsupportedFormatError.
func IsUnsupportedFormatError(err error) bool {
	var u *UnsupportedFormatError
	return errors.As(err, &u)
}

// Extractor decodes raw file bytes into plain UTF-8 text.
type Extractor func(fileBytes []byte) (string, error)

// extractors maps normalized content types to decoders. Mutated only at
// startup via RegisterExtractor.
var extractors = map[string]Extractor{
	"text/plain":    extractPlainText,
	"text/markdown": extractPlainText,
}

// RegisterExtractor installs a decoder for a content type, e.g. a PDF
// extractor provided by the embedding binary. Call before serving traffic;
// the registry is not synchronized.
func RegisterExtractor(contentType string, ex Extractor) {
	extractors[normalizeContentType(contentType)] = ex
}

// ExtractText decodes fileBytes for the given content type.
//
// # Outputs
//
//   - string: The decoded text.
//   - error: UnsupportedFormatError when no extractor is registered for the
//     content type; otherwise the extractor's own failure.
func ExtractText(fileBytes []byte, contentType string) (string, error) {
	ex, ok := extractors[normalizeContentType(contentType)]
	if !ok {
		return "", &UnsupportedFormatError{ContentType: contentType}
	}
	text, err := ex(fileBytes)
	if err != nil {
		return "", fmt.Errorf("ingest.ExtractText: %w", err)
	}
	return text, nil
}

// extractPlainText validates UTF-8 and returns the bytes as a string.
// Invalid sequences are replaced rather than rejected; uploads from
// Windows editors routinely carry a BOM and stray CP-1252 bytes.
func extractPlainText(fileBytes []byte) (string, error) {
	s := strings.TrimPrefix(string(fileBytes), "\uFEFF")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("document contains no text")
	}
	return s, nil
}

// normalizeContentType lowercases and strips parameters such as charset.
func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// DocumentTypeFor maps a content type to the stored document_type value.
func DocumentTypeFor(contentType string) string {
	switch normalizeContentType(contentType) {
	case "application/pdf":
		return "pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	case "text/markdown":
		return "md"
	default:
		return "txt"
	}
}
