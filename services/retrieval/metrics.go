// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fathom",
		Subsystem: "service",
		Name:      "pipeline_cache_entries",
		Help:      "Orchestrators currently held in the pipeline cache.",
	})

	cacheBuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "service",
		Name:      "pipeline_cache_builds_total",
		Help:      "Orchestrators built and inserted into the pipeline cache.",
	})

	cacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fathom",
		Subsystem: "service",
		Name:      "pipeline_cache_invalidations_total",
		Help:      "Cached orchestrators dropped after a configuration change.",
	})
)
