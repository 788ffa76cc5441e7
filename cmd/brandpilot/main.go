// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command brandpilot runs the BrandPilot coaching assistant.
//
// The binary carries two subcommands: "serve" starts the orchestrator
// HTTP service, and "ingest" loads documents into the knowledge base
// from the command line. Configuration comes from environment
// variables; a .env file in the working directory is loaded first when
// present.
package main

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "brandpilot",
	Short: "BrandPilot conversational brand coaching assistant",
	Long: `BrandPilot answers brand strategy questions grounded in the
user's own uploaded documents, prior conversations, and curated
marketing patterns.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is the normal production case.
		if err := godotenv.Load(); err == nil {
			log.Println("Loaded environment from .env")
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
}
