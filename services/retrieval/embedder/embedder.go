// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedder turns query text into vectors.
//
// Every supported provider sits behind one small adapter implementing the
// Embedder interface; the factory builds adapters from the
// "provider[:model]" spec strings a pipeline's embedding_models list
// carries. Adapters are deliberately thin — one HTTP (or SDK) call per
// Embed, no retries, no caching. Robustness lives upstream: the retrieval
// orchestrator tolerates any proper subset of embedders failing.
package embedder

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fathomsearch/fathom/services/retrieval/redact"
)

// defaultHTTPTimeout bounds every provider call. Embedding a single query is
// sub-second on a healthy service; 30 seconds covers cold starts without
// letting a wedged provider hold a request hostage.
const defaultHTTPTimeout = 30 * time.Second

// Embedder is the uniform contract the retrieval pipeline consumes.
//
// # Description
//
// One adapter wraps one provider endpoint and one model. Adapters carry no
// request state; the zero-input case short-circuits before any network IO.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Name identifies the adapter in logs, debug traces, and chunk
	// attribution. Always formatted "provider:model".
	Name() string

	// Embed returns one vector per input text, in input order. An empty
	// input returns an empty non-nil slice without any network call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector width this adapter produces. Until the
	// first successful Embed the value comes from the known-model table or
	// the provider default, so treat it as advisory for unknown models.
	Dimension() int
}

// dims tracks an adapter's vector width. Seeded from the known-model table
// at construction, refined by the first observed vector, and falling back
// to the provider default until either happens.
type dims struct {
	name     string
	known    atomic.Int64
	fallback int
	logger   *slog.Logger
}

func newDims(name string, known, fallback int, logger *slog.Logger) *dims {
	d := &dims{name: name, fallback: fallback, logger: logger}
	if known > 0 {
		d.known.Store(int64(known))
	}
	return d
}

// observe records the width of the first real vector for models the table
// does not know. Later calls are no-ops.
func (d *dims) observe(vectors [][]float32) {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return
	}
	width := int64(len(vectors[0]))
	if d.known.CompareAndSwap(0, width) {
		d.logger.Debug("Learned embedding dimension from first response",
			slog.String("embedder", d.name),
			slog.Int("dimension", int(width)))
	}
}

func (d *dims) value() int {
	if n := d.known.Load(); n != 0 {
		return int(n)
	}
	return d.fallback
}

// envOr reads an environment variable, falling back when unset or blank.
func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// truncateBody keeps error messages readable when a provider returns a large
// HTML or JSON error page, and scrubs any credential the body echoes back.
func truncateBody(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return redact.Secrets(s)
}
