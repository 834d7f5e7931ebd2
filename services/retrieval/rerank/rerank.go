// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rerank reorders retrieval candidates with a cross-encoder service.
//
// The HTTP adapter talks to a self-hosted reranker (a thin front over a
// cross-encoder model); the mock adapter scores by token overlap for
// environments without one. Both satisfy pipeline.Reranker and both are
// infallible: any transport or decode problem degrades to the first topK
// input chunks unchanged, because a lost reordering must never lose the
// candidates themselves.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
	"github.com/fathomsearch/fathom/services/retrieval/redact"
)

// =============================================================================
// HTTP Cross-Encoder Adapter
// =============================================================================

// HTTPReranker posts query and candidate texts to a rerank endpoint and
// reorders chunks by the returned indices.
//
// Description:
//
//	The endpoint scores every (query, document) pair and answers with result
//	rows sorted by descending relevance. The response order is trusted as
//	delivered; the adapter attaches each row's relevance score to the chunk
//	it indexes and truncates to topK. Rows with out-of-range or repeated
//	indices are dropped.
//
// Thread Safety: HTTPReranker is safe for concurrent use.
type HTTPReranker struct {
	apiURL string
	model  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTP builds the adapter from a pipeline's rerank spec. The spec's
// timeout bounds each call. A nil logger uses slog.Default.
func NewHTTP(spec config.RerankSpec, logger *slog.Logger) *HTTPReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReranker{
		apiURL: spec.APIURL,
		model:  spec.Model,
		client: &http.Client{Timeout: spec.HTTPTimeout()},
		logger: logger,
	}
}

// rerankRequest is the wire request. Model is omitted when the spec leaves
// it empty; multi-model rerank services fall back to their default.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// rerankResult references an input document by position.
type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Rerank reorders chunks by relevance to the query and truncates to topK.
// On any failure it returns the first topK input chunks unchanged.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, chunks []pipeline.Chunk, topK int) []pipeline.Chunk {
	if topK > len(chunks) {
		topK = len(chunks)
	}
	if topK <= 0 || len(chunks) == 0 {
		return []pipeline.Chunk{}
	}

	reranked, err := r.call(ctx, query, chunks, topK)
	if err != nil {
		degradationsTotal.Inc()
		r.logger.Warn("Rerank failed, returning candidates unreordered",
			slog.String("api_url", r.apiURL),
			slog.Int("candidates", len(chunks)),
			slog.Any("error", err))
		return head(chunks, topK)
	}
	return reranked
}

func (r *HTTPReranker) call(ctx context.Context, query string, chunks []pipeline.Chunk, topK int) ([]pipeline.Chunk, error) {
	documents := make([]string, len(chunks))
	for i, c := range chunks {
		documents[i] = c.Text
	}

	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: documents,
		TopK:      topK,
		Model:     r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var decoded rerankResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]pipeline.Chunk, 0, topK)
	seen := make(map[int]bool, len(decoded.Results))
	for _, res := range decoded.Results {
		if res.Index < 0 || res.Index >= len(chunks) || seen[res.Index] {
			continue
		}
		seen[res.Index] = true
		chunk := chunks[res.Index]
		score := res.RelevanceScore
		chunk.RerankScore = &score
		out = append(out, chunk)
		if len(out) == topK {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("response carried no usable result indices")
	}
	return out, nil
}

// head returns the first n chunks as a fresh slice, never nil.
func head(chunks []pipeline.Chunk, n int) []pipeline.Chunk {
	if n > len(chunks) {
		n = len(chunks)
	}
	out := make([]pipeline.Chunk, n)
	copy(out, chunks[:n])
	return out
}

// truncateBody keeps logged provider errors short and credential-free.
func truncateBody(body []byte) string {
	const max = 512
	s := string(bytes.TrimSpace(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return redact.Secrets(s)
}
