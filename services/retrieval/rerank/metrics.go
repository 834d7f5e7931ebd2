// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rerank

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// degradationsTotal counts rerank calls that fell back to the unreordered
// candidate list. A nonzero rate with healthy retrieval latencies usually
// means the rerank service is down, not the pipeline.
var degradationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fathom",
	Subsystem: "rerank",
	Name:      "degradations_total",
	Help:      "Rerank calls degraded to identity order after a failure",
})
