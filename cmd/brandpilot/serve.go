// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/brandpilot-ai/brandpilot/pkg/logging"
	"github.com/brandpilot-ai/brandpilot/services/embedding"
	"github.com/brandpilot-ai/brandpilot/services/ingest"
	"github.com/brandpilot-ai/brandpilot/services/llm"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/background"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/generation"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/handlers"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/observability"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/retrieval"
	"github.com/brandpilot-ai/brandpilot/services/orchestrator/routes"
	"github.com/brandpilot-ai/brandpilot/services/vectorstore"
	"github.com/brandpilot-ai/brandpilot/services/websearch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BrandPilot orchestrator HTTP service",
	Run:   runServe,
}

// initTracer wires the OTLP gRPC exporter and installs the global
// tracer provider. Returns a shutdown func for graceful drain.
func initTracer(ctx context.Context) (func(context.Context), error) {
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("brandpilot-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(cmd *cobra.Command, args []string) {
	port := os.Getenv("ORCHESTRATOR_PORT")
	if port == "" {
		port = "12210"
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupTracer, err := initTracer(ctx)
	if err != nil {
		log.Fatalf("failed to set up the OTLP tracer: %v", err)
	}
	defer cleanupTracer(context.Background())

	metrics := observability.InitMetrics()

	// --- Storage ---
	store, err := vectorstore.NewPostgresStore(ctx, vectorstore.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure the vector schema: %v", err)
	}

	// --- Providers ---
	embedder, err := embedding.NewOpenAIEmbedder(embedding.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to initialize the embedding client: %v", err)
	}
	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("failed to initialize the LLM client: %v", err)
	}
	searcher := websearch.NewTavilyClient(websearch.DefaultConfig())
	if searcher.Enabled() {
		slog.Info("web search tool enabled")
	} else {
		slog.Info("TAVILY_API_KEY not set; web search tool disabled")
	}

	// --- Pipeline ---
	retriever := retrieval.NewRetriever(embedder, store, retrieval.DefaultConfig())
	generator := generation.NewGenerator(llmClient, searcher, generation.DefaultConfig())
	turnIngester := background.NewIngester(embedder, store, background.DefaultConfig())
	docIngestor := ingest.NewIngestor(embedder, store, ingest.DefaultChunkConfig())

	chat := handlers.NewChatHandler(retriever, generator, turnIngester,
		retrieval.DefaultFormatConfig(), metrics)
	documents := handlers.NewDocumentsHandler(docIngestor, store, metrics)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("brandpilot-orchestrator"))
	routes.SetupRoutes(router, chat, documents)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting the orchestrator server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	// Let in-flight turn persistence finish before the pool closes.
	turnIngester.Drain()
	slog.Info("orchestrator stopped")
}
