// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brandpilot-ai/brandpilot/services/embedding"
	"github.com/brandpilot-ai/brandpilot/services/ingest"
	"github.com/brandpilot-ai/brandpilot/services/vectorstore"
)

var (
	ingestUserFlag    string
	ingestProjectFlag string

	ingestCmd = &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest documents into the knowledge base",
		Long: `Ingest reads the given files, chunks and embeds them, and
persists the chunks so they become retrievable in chat. Plain text and
markdown files are supported out of the box.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runIngest,
	}
)

func init() {
	ingestCmd.Flags().StringVar(&ingestUserFlag, "user", "", "owner user id (UUID, required)")
	ingestCmd.Flags().StringVar(&ingestProjectFlag, "project", "", "project id (UUID, optional)")
	_ = ingestCmd.MarkFlagRequired("user")
}

// contentTypeFor maps a filename extension to the upload content type.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "text/plain"
	}
}

func runIngest(cmd *cobra.Command, args []string) {
	userID, err := uuid.Parse(ingestUserFlag)
	if err != nil {
		log.Fatalf("--user must be a valid UUID: %v", err)
	}
	var projectID *uuid.UUID
	if ingestProjectFlag != "" {
		parsed, err := uuid.Parse(ingestProjectFlag)
		if err != nil {
			log.Fatalf("--project must be a valid UUID: %v", err)
		}
		projectID = &parsed
	}

	ctx := context.Background()

	store, err := vectorstore.NewPostgresStore(ctx, vectorstore.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure the vector schema: %v", err)
	}

	embedder, err := embedding.NewOpenAIEmbedder(embedding.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to initialize the embedding client: %v", err)
	}
	ingestor := ingest.NewIngestor(embedder, store, ingest.DefaultChunkConfig())

	failures := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failures++
			continue
		}

		result, err := ingestor.Ingest(ctx, ingest.Request{
			AssetID:     uuid.New(),
			UserID:      userID,
			ProjectID:   projectID,
			FileBytes:   data,
			Filename:    filepath.Base(path),
			ContentType: contentTypeFor(path),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: ingestion failed after %d/%d chunks: %v\n",
				path, result.ChunksWritten, result.ChunksTotal, err)
			failures++
			continue
		}

		line := fmt.Sprintf("%s: %d chunks ingested", path, result.ChunksWritten)
		if result.Truncated {
			line += " (document truncated at the chunk cap)"
		}
		fmt.Println(line)
	}

	if failures > 0 {
		os.Exit(1)
	}
}
