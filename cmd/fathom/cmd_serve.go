// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fathomsearch/fathom/services/retrieval"
	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/milvus"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Serve flag values.
var (
	servePort   int
	serveDebug  bool
	traceStdout bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the retrieval API server",
	Long: `Start the Fathom retrieval API server.

The server loads the pipelines file named by --config, watches it for edits,
and serves search plus pipeline administration endpoints under /api/v1 and
health, readiness, and Prometheus metrics at the root.`,
	Run: runServeCommand,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode and request logging")
	serveCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "Print OpenTelemetry spans to stdout")
}

func runServeCommand(_ *cobra.Command, _ []string) {
	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C trace context flows from incoming headers through every stage span.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if traceStdout {
		shutdownTracing, err := setupStdoutTracing()
		if err != nil {
			slog.Error("Failed to set up stdout tracing", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("Trace exporter shutdown failed", slog.Any("error", err))
			}
		}()
	}

	store, err := config.NewStore(configPath, slog.Default())
	if err != nil {
		slog.Error("Failed to open pipelines file",
			slog.String("path", configPath),
			slog.Any("error", err))
		os.Exit(1)
	}

	pool := milvus.NewPool(slog.Default())
	svc := retrieval.NewService(store, pool, slog.Default())
	handlers := retrieval.NewHandlers(svc, retrieval.NewValidator(slog.Default()))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("fathom-retrieval"))
	router.Use(retrieval.RequestID())
	if serveDebug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/api/v1")
	retrieval.RegisterRoutes(v1, handlers)
	retrieval.RegisterOpsRoutes(router, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Hot reload on operator edits; the store's mtime check on reads covers
	// environments where fsnotify cannot watch the directory.
	go func() {
		if err := config.Watch(ctx, store, slog.Default()); err != nil {
			slog.Error("Config watcher stopped", slog.Any("error", err))
		}
	}()

	defaultName, names, err := store.List()
	if err != nil {
		slog.Error("Failed to read pipelines file",
			slog.String("path", store.Path()),
			slog.Any("error", err))
		os.Exit(1)
	}
	printBanner(servePort, defaultName, len(names))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", servePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("Fathom retrieval server started",
		slog.String("address", srv.Addr),
		slog.String("config", store.Path()),
		slog.String("default_pipeline", defaultName),
		slog.Int("pipelines", len(names)))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", slog.Any("error", err))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down Fathom retrieval server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", slog.Any("error", err))
	}
	svc.Shutdown()
}

// setupStdoutTracing installs a TracerProvider that batches spans to stdout.
// Returns the provider's shutdown function, which flushes pending spans.
func setupStdoutTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func printBanner(port int, defaultName string, pipelines int) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                     FATHOM RETRIEVAL SERVER                       ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Multi-stage retrieval over Milvus vector search.                 ║
║  Pipelines: %-3d loaded (default: %-20s)        ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Search the default pipeline                               │  ║
║  │ curl -X POST http://localhost:%d/api/v1/retrieval/search \ │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"query": "your question"}'                           │  ║
║  │                                                             │  ║
║  │ # List configured pipelines                                 │  ║
║  │ curl http://localhost:%d/api/v1/config/pipelines            │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Search: /api/v1/retrieval/search, .../search/debug           ║
║  ├── Admin:  /api/v1/config/pipelines                             ║
║  └── Ops:    /health, /ready, /metrics                            ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, pipelines, defaultName, port, port)
}
