// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// =============================================================================
// Stubs
// =============================================================================

type stubEmbedder struct {
	name    string
	vec     []float32
	err     error
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	calls   atomic.Int64
}

func (s *stubEmbedder) Name() string { return s.name }

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls.Add(1)
	if s.embedFn != nil {
		return s.embedFn(ctx, texts)
	}
	if s.err != nil {
		return nil, s.err
	}
	return [][]float32{s.vec}, nil
}

type stubSearcher struct {
	searchFn func(ctx context.Context, vectors [][]float32, limit int, outputFields []string, collection string) ([][]Hit, error)
}

func (s *stubSearcher) Search(ctx context.Context, vectors [][]float32, limit int, outputFields []string, collection string) ([][]Hit, error) {
	return s.searchFn(ctx, vectors, limit, outputFields, collection)
}

type stubReranker struct {
	rerankFn func(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk
}

func (s *stubReranker) Rerank(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk {
	return s.rerankFn(ctx, query, chunks, topK)
}

type stubFilter struct {
	filterFn func(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk
}

func (s *stubFilter) Filter(ctx context.Context, query string, chunks []Chunk, topK int) []Chunk {
	return s.filterFn(ctx, query, chunks, topK)
}

// hitsByFirstComponent routes searches by the first component of the query
// vector, so each stub embedder can be mapped to its own literal results.
func hitsByFirstComponent(table map[float32][]Hit) *stubSearcher {
	return &stubSearcher{
		searchFn: func(_ context.Context, vectors [][]float32, _ int, _ []string, _ string) ([][]Hit, error) {
			out := make([][]Hit, len(vectors))
			for i, v := range vectors {
				out[i] = table[v[0]]
			}
			return out, nil
		},
	}
}

func testParams() Params {
	return Params{TopKPerModel: 3, InitialSearch: 3, RerankInput: 3, LLMFilterInput: 3, FinalTopK: 2}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewRejectsBadInputs(t *testing.T) {
	searcher := hitsByFirstComponent(nil)
	emb := []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}

	cases := []struct {
		name      string
		embedders []Embedder
		searcher  VectorSearcher
		params    Params
	}{
		{"no embedders", nil, searcher, testParams()},
		{"nil searcher", emb, nil, testParams()},
		{"zero top_k_per_model", emb, searcher, Params{InitialSearch: 1, RerankInput: 1, LLMFilterInput: 1, FinalTopK: 1}},
		{"negative final_top_k", emb, searcher, Params{TopKPerModel: 1, InitialSearch: 1, RerankInput: 1, LLMFilterInput: 1, FinalTopK: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New("p1", tc.embedders, tc.searcher, nil, nil, tc.params, nil); err == nil {
				t.Error("New() err = nil, want validation error")
			}
		})
	}
}

// =============================================================================
// Retrieve
// =============================================================================

func TestRetrieveSingleEmbedder(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 10, Text: "a", Distance: 0.1}, {ID: 20, Text: "b", Distance: 0.2}, {ID: 30, Text: "c", Distance: 0.5}},
	})
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !equalIDs(ids(res.Chunks), 10, 20) {
		t.Errorf("results = %v, want [10 20]", ids(res.Chunks))
	}
	if res.Chunks[0].Text != "a" || res.Chunks[1].Text != "b" {
		t.Errorf("texts = %q, %q, want \"a\", \"b\"", res.Chunks[0].Text, res.Chunks[1].Text)
	}
	if res.Chunks[0].Embedder != "e1" {
		t.Errorf("embedder provenance = %q, want %q", res.Chunks[0].Embedder, "e1")
	}
	if res.Debug != nil {
		t.Error("Debug trace populated without wantDebug")
	}
}

func TestRetrieveDedupKeepsLowestDistance(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 10, Text: "a", Distance: 0.9}},
		2: {{ID: 10, Text: "a", Distance: 0.2}, {ID: 40, Text: "d", Distance: 0.3}},
	})
	embedders := []Embedder{
		&stubEmbedder{name: "e1", vec: []float32{1}},
		&stubEmbedder{name: "e2", vec: []float32{2}},
	}
	orch, err := New("p1", embedders, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !equalIDs(ids(res.Chunks), 10, 40) {
		t.Fatalf("results = %v, want [10 40]", ids(res.Chunks))
	}
	if *res.Chunks[0].Score != 0.2 || res.Chunks[0].Embedder != "e2" {
		t.Errorf("dedup survivor = (%v, %s), want the lower-distance surfacing (0.2, e2)",
			*res.Chunks[0].Score, res.Chunks[0].Embedder)
	}
}

func TestRetrievePartialEmbedderFailure(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		2: {{ID: 1, Text: "a", Distance: 0.1}, {ID: 2, Text: "b", Distance: 0.2}, {ID: 3, Text: "c", Distance: 0.3}},
	})
	embedders := []Embedder{
		&stubEmbedder{name: "e1", err: errors.New("upstream 503")},
		&stubEmbedder{name: "e2", vec: []float32{2}},
	}
	orch, err := New("p1", embedders, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want absorbed partial failure", err)
	}
	if len(res.Chunks) == 0 {
		t.Fatal("results empty, want chunks from the surviving embedder")
	}
	for _, c := range res.Chunks {
		if c.Embedder != "e2" {
			t.Errorf("chunk %d surfaced by %q, want every result from %q", c.ChunkID, c.Embedder, "e2")
		}
	}
}

func TestRetrieveAllEmbeddersFailed(t *testing.T) {
	embedders := []Embedder{
		&stubEmbedder{name: "e1", err: errors.New("down")},
		&stubEmbedder{name: "e2", err: errors.New("also down")},
	}
	orch, err := New("p1", embedders, hitsByFirstComponent(nil), nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = orch.Retrieve(context.Background(), "hello", false)
	if !errors.Is(err, ErrAllEmbeddersFailed) {
		t.Errorf("Retrieve() error = %v, want ErrAllEmbeddersFailed", err)
	}
}

func TestRetrieveSearchFailureAbsorbed(t *testing.T) {
	searcher := &stubSearcher{
		searchFn: func(_ context.Context, vectors [][]float32, _ int, _ []string, _ string) ([][]Hit, error) {
			if vectors[0][0] == 1 {
				return nil, errors.New("collection unavailable")
			}
			return [][]Hit{{{ID: 5, Text: "e", Distance: 0.4}}}, nil
		},
	}
	embedders := []Embedder{
		&stubEmbedder{name: "e1", vec: []float32{1}},
		&stubEmbedder{name: "e2", vec: []float32{2}},
	}
	orch, err := New("p1", embedders, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want search failure absorbed", err)
	}
	if !equalIDs(ids(res.Chunks), 5) {
		t.Errorf("results = %v, want [5] from the surviving search", ids(res.Chunks))
	}
}

func TestRetrieveEmptyMergeIsSuccess(t *testing.T) {
	searcher := &stubSearcher{
		searchFn: func(context.Context, [][]float32, int, []string, string) ([][]Hit, error) {
			return nil, errors.New("every search fails")
		},
	}
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want empty success", err)
	}
	if res.Chunks == nil || len(res.Chunks) != 0 {
		t.Errorf("results = %v, want empty non-nil slice", res.Chunks)
	}
}

func TestRetrieveStagesReceiveBoundedTopK(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 1, Text: "a", Distance: 0.1}, {ID: 2, Text: "b", Distance: 0.2}},
	})
	var rerankTopK, filterTopK int
	reranker := &stubReranker{rerankFn: func(_ context.Context, _ string, chunks []Chunk, topK int) []Chunk {
		rerankTopK = topK
		return firstN(chunks, topK)
	}}
	filter := &stubFilter{filterFn: func(_ context.Context, _ string, chunks []Chunk, topK int) []Chunk {
		filterTopK = topK
		return firstN(chunks, topK)
	}}

	params := Params{TopKPerModel: 5, InitialSearch: 10, RerankInput: 30, LLMFilterInput: 20, FinalTopK: 5}
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, reranker, filter, params, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := orch.Retrieve(context.Background(), "hello", false); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if rerankTopK != 2 {
		t.Errorf("rerank top_k = %d, want bounded by candidate count 2", rerankTopK)
	}
	if filterTopK != 2 {
		t.Errorf("filter top_k = %d, want bounded by rerank output 2", filterTopK)
	}
}

func TestRetrieveRerankOrderFlowsThrough(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 10, Text: "a", Distance: 0.1}, {ID: 20, Text: "b", Distance: 0.2}, {ID: 30, Text: "c", Distance: 0.3}},
	})
	reranker := &stubReranker{rerankFn: func(_ context.Context, _ string, chunks []Chunk, topK int) []Chunk {
		out := cloneChunks(chunks)
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return firstN(out, topK)
	}}

	params := testParams()
	params.FinalTopK = 3
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, reranker, nil, params, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !equalIDs(ids(res.Chunks), 30, 20, 10) {
		t.Errorf("results = %v, want reranker order [30 20 10]", ids(res.Chunks))
	}
}

func TestRetrieveCancellationDiscardsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &stubSearcher{
		searchFn: func(ctx context.Context, _ [][]float32, _ int, _ []string, _ string) ([][]Hit, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, nil, nil, testParams(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(ctx, "hello", true)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retrieve() error = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Errorf("Retrieve() result = %+v, want nil after cancellation", res)
	}
}

func TestRetrieveDebugTraceCounts(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 10, Text: "a", Distance: 0.9}, {ID: 20, Text: "b", Distance: 0.4}},
		2: {{ID: 10, Text: "a", Distance: 0.2}, {ID: 40, Text: "d", Distance: 0.3}},
	})
	embedders := []Embedder{
		&stubEmbedder{name: "e1", vec: []float32{1}},
		&stubEmbedder{name: "e2", vec: []float32{2}},
	}
	params := Params{TopKPerModel: 5, InitialSearch: 10, RerankInput: 10, LLMFilterInput: 10, FinalTopK: 3}
	orch, err := New("p1", embedders, searcher, nil, nil, params, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", true)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if res.Debug == nil {
		t.Fatal("Debug trace missing with wantDebug = true")
	}

	preDedup := 0
	for _, list := range res.Debug.PerEmbedder {
		preDedup += len(list)
	}
	if preDedup != 4 {
		t.Errorf("per_embedder total = %d, want 4 pre-dedup surfacings", preDedup)
	}
	if len(res.Debug.Deduplicated) != 3 {
		t.Errorf("deduplicated count = %d, want 3 distinct chunk_ids", len(res.Debug.Deduplicated))
	}
	if len(res.Debug.Reranked) != 3 || len(res.Debug.Filtered) != 3 {
		t.Errorf("reranked/filtered counts = %d/%d, want 3/3",
			len(res.Debug.Reranked), len(res.Debug.Filtered))
	}

	seen := map[int64]bool{}
	for _, c := range res.Chunks {
		if seen[c.ChunkID] {
			t.Errorf("duplicate chunk_id %d in results", c.ChunkID)
		}
		seen[c.ChunkID] = true
	}
	if len(res.Chunks) > params.FinalTopK {
		t.Errorf("len(results) = %d, want <= final_top_k %d", len(res.Chunks), params.FinalTopK)
	}
}

func TestRetrieveDisabledStagesPreserveScoreOrder(t *testing.T) {
	searcher := hitsByFirstComponent(map[float32][]Hit{
		1: {{ID: 3, Text: "c", Distance: 0.3}, {ID: 1, Text: "a", Distance: 0.1}, {ID: 2, Text: "b", Distance: 0.2}},
	})
	params := Params{TopKPerModel: 3, InitialSearch: 3, RerankInput: 3, LLMFilterInput: 3, FinalTopK: 3}
	orch, err := New("p1", []Embedder{&stubEmbedder{name: "e1", vec: []float32{1}}}, searcher, nil, nil, params, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := orch.Retrieve(context.Background(), "hello", false)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !equalIDs(ids(res.Chunks), 1, 2, 3) {
		t.Errorf("results = %v, want ascending score order [1 2 3]", ids(res.Chunks))
	}
	for _, c := range res.Chunks {
		if c.RerankScore != nil {
			t.Errorf("chunk %d carries rerank_score %v with rerank disabled", c.ChunkID, *c.RerankScore)
		}
	}
}
