// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llmfilter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// degradationsTotal counts filter calls that passed candidates through after
// a failed or unusable completion.
var degradationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fathom",
	Subsystem: "llmfilter",
	Name:      "degradations_total",
	Help:      "LLM filter calls degraded to passthrough after a failure",
})
