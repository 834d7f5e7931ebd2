// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package milvus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Milvus Pool and Store
// =============================================================================

var (
	// poolOpenHandles gauges currently open pooled connections.
	poolOpenHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fathom",
		Subsystem: "milvus",
		Name:      "pool_open_handles",
		Help:      "Open Milvus connections held by the pool",
	})

	// poolCreatesTotal counts successful dials.
	poolCreatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "milvus",
		Name:      "pool_creates_total",
		Help:      "Milvus connections dialed by the pool",
	})

	// poolEvictionsTotal counts handles removed from the pool.
	// Labels: reason (idle, probe_failed)
	poolEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "milvus",
		Name:      "pool_evictions_total",
		Help:      "Milvus connections evicted from the pool by reason",
	}, []string{"reason"})

	// searchFailuresTotal counts searches degraded to empty results.
	// Labels: collection, op (pool_unavailable, has_collection,
	// missing_collection, load_collection, search_params, search, result)
	searchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "milvus",
		Name:      "search_failures_total",
		Help:      "Vector searches degraded to empty results by collection and operation",
	}, []string{"collection", "op"})
)
