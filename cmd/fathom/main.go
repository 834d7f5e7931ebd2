// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command fathom runs the Fathom retrieval service.
//
// Fathom answers a query with the most relevant indexed chunks by running a
// multi-stage pipeline:
//   - Parallel query embedding across the configured embedding models
//   - Parallel Milvus vector search, one collection search per model
//   - Merge, chunk_id deduplication, and score-ordered truncation
//   - Optional cross-encoder rerank and LLM relevance filter
//
// Pipelines are defined in a YAML file and hot-reload on edit; the admin API
// can also create, update, and delete them at runtime.
//
// Usage:
//
//	fathom serve
//	fathom serve --config configs/pipelines.yaml --port 9090
//	fathom validate
//	fathom validate --pipeline docs
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Search the default pipeline
//	curl -X POST http://localhost:8080/api/v1/retrieval/search \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "how do I rotate the signing keys?"}'
//
//	# Search a named pipeline with per-stage traces
//	curl -X POST "http://localhost:8080/api/v1/retrieval/search/debug?pipeline_name=wiki" \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "service mesh mTLS"}'
//
//	# List configured pipelines
//	curl http://localhost:8080/api/v1/config/pipelines
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// configPath and logLevel hold the persistent flag values shared by every
// subcommand.
var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "Multi-stage retrieval service over Milvus vector search",
	Long: `Fathom is a multi-stage retrieval service: query embedding fans out
across the configured embedding models, each vector searches Milvus in
parallel, and the merged candidates pass through optional rerank and LLM
filter stages before final truncation.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/pipelines.yaml",
		"Path to the pipelines YAML file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (defaults to LOG_LEVEL env var, then info)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

// setupLogging installs the process-wide slog handler: text when stdout is a
// terminal (interactive runs), JSON otherwise (container log collection).
func setupLogging() {
	opts := &slog.HandlerOptions{Level: resolveLogLevel()}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resolveLogLevel maps the --log-level flag, or the LOG_LEVEL environment
// variable when the flag is unset, onto a slog level. Unknown names fall
// back to info rather than failing startup.
func resolveLogLevel() slog.Level {
	name := logLevel
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
