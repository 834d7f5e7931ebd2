// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the multi-stage retrieval flow: embed fan-out,
// parallel vector search, merge and deduplication, cross-encoder rerank, and
// LLM relevance filtering.
//
// The package owns the domain value types (Chunk, Hit, Query) and the narrow
// capability interfaces the orchestrator consumes. Concrete adapters live in
// sibling packages (embedder, milvus, rerank, llmfilter) and satisfy these
// interfaces implicitly.
package pipeline

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// Domain Values
// =============================================================================

// Chunk is one retrieved unit of text. Chunks are immutable within a request;
// stages that attach scores produce new chunk values rather than mutating
// shared state.
//
// Score carries the vector-search distance (L2, lower is closer) and is nil
// until the chunk has been surfaced by a search. RerankScore (higher is
// better) is nil until the rerank stage has run. Embedder names the embedding
// model whose search surfaced the chunk.
type Chunk struct {
	ChunkID     int64    `json:"chunk_id"`
	Text        string   `json:"text"`
	Score       *float32 `json:"score,omitempty"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Embedder    string   `json:"embedder,omitempty"`
}

// Hit is a single vector-search result row. ID becomes the chunk_id of the
// chunk built from it.
type Hit struct {
	ID       int64
	Text     string
	Distance float32
}

// Query is a validated retrieval request: non-empty text plus an optional
// pipeline name (empty means "use the configured default").
type Query struct {
	Text     string
	Pipeline string
}

// ErrEmptyQuery is returned by NewQuery for empty or whitespace-only text.
var ErrEmptyQuery = errors.New("query text must not be empty")

// NewQuery builds a Query, rejecting empty or whitespace-only text.
func NewQuery(text, pipeline string) (Query, error) {
	if strings.TrimSpace(text) == "" {
		return Query{}, ErrEmptyQuery
	}
	return Query{Text: text, Pipeline: pipeline}, nil
}

// =============================================================================
// Capability Interfaces
// =============================================================================

// Embedder turns a batch of texts into one vector per text, in input order.
type Embedder interface {
	// Name identifies the embedder in logs, debug traces, and chunk
	// provenance. Names are unique within a pipeline.
	Name() string

	// Embed returns one vector per input text. The empty input returns an
	// empty result without any external call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher runs batched top-K similarity search. It returns one hit
// list per query vector, each ordered by ascending distance. Implementations
// degrade to empty results on backend failure; a non-nil error is reserved
// for caller cancellation.
type VectorSearcher interface {
	Search(ctx context.Context, vectors [][]float32, limit int, outputFields []string, collection string) ([][]Hit, error)
}

// Reranker reorders chunks by relevance to the query and truncates to topK.
// Implementations never fail: on any transport or decode problem they return
// the first topK input chunks unchanged.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk
}

// Filter makes a final relevance selection of at most topK chunks. Like
// Reranker, implementations degrade to a passthrough of the first topK input
// chunks on any failure.
type Filter interface {
	Filter(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk
}

// =============================================================================
// Stage Parameters
// =============================================================================

// Params carries the per-pipeline sizing knobs the orchestrator applies at
// each stage. All values must be strictly positive; the config store
// validates them before an orchestrator is built.
type Params struct {
	// TopKPerModel is the per-embedder vector-search limit (stage 2).
	TopKPerModel int
	// InitialSearch caps the merged, deduplicated candidate list (stage 3).
	InitialSearch int
	// RerankInput is the top_k handed to the reranker (stage 4).
	RerankInput int
	// LLMFilterInput is the top_k handed to the LLM filter (stage 5).
	LLMFilterInput int
	// FinalTopK bounds the response (stage 6).
	FinalTopK int
}

// Result is the outcome of one Retrieve call. Debug is nil unless the caller
// asked for stage traces.
type Result struct {
	Query  string
	Chunks []Chunk
	Debug  *Trace
}

// Trace captures the intermediate output of every stage for the debug
// endpoint. PerEmbedder holds each embedder's raw search results before
// deduplication, keyed by embedder name.
type Trace struct {
	PerEmbedder  map[string][]Chunk `json:"per_embedder"`
	Deduplicated []Chunk            `json:"deduplicated"`
	Reranked     []Chunk            `json:"reranked"`
	Filtered     []Chunk            `json:"filtered"`
}
