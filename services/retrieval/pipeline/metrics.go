// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Retrieval Pipeline
// =============================================================================

var (
	// retrieveTotal counts Retrieve calls by pipeline and outcome.
	// Labels: pipeline, outcome (success, embedding_error, cancelled)
	retrieveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "pipeline",
		Name:      "retrieve_total",
		Help:      "Total Retrieve calls by pipeline and outcome",
	}, []string{"pipeline", "outcome"})

	// stageDurationSeconds measures wall time per retrieval stage.
	// Labels: pipeline, stage (embed, search, merge, rerank, llm_filter)
	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fathom",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of each retrieval stage",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"pipeline", "stage"})

	// embedderFailuresTotal counts embedders dropped from a fan-out after a
	// failed or empty embedding call.
	// Labels: pipeline, embedder
	embedderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "pipeline",
		Name:      "embedder_failures_total",
		Help:      "Embedders dropped from the embed fan-out by pipeline",
	}, []string{"pipeline", "embedder"})

	// resultChunks tracks how many chunks each Retrieve call returned.
	// Labels: pipeline
	resultChunks = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fathom",
		Subsystem: "pipeline",
		Name:      "result_chunks",
		Help:      "Number of chunks returned per Retrieve call",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	}, []string{"pipeline"})
)
