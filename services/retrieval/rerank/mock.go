// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rerank

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
)

// MockAPIURL is the rerank api_url value that selects the in-process mock
// instead of an HTTP endpoint.
const MockAPIURL = "mock"

// New picks the adapter for a rerank spec: the literal api_url "mock"
// selects the in-process mock, anything else the HTTP adapter. Callers
// check spec.Enabled() first; New is not meant for disabled specs.
func New(spec config.RerankSpec, logger *slog.Logger) pipeline.Reranker {
	if spec.APIURL == MockAPIURL {
		return NewMock()
	}
	return NewHTTP(spec, logger)
}

// MockReranker scores candidates locally for environments without a
// cross-encoder service: development boxes and CI.
//
// Description:
//
//	Each chunk scores the fraction of distinct query tokens its text
//	contains, plus a small proximity bonus derived from the vector-search
//	distance so chunks with identical overlap keep their search order.
//	Scores are attached as RerankScore, sorted descending, ties broken by
//	ascending chunk_id for determinism.
//
// Thread Safety: MockReranker is stateless and safe for concurrent use.
type MockReranker struct{}

// NewMock builds the local mock reranker.
func NewMock() *MockReranker {
	return &MockReranker{}
}

// Rerank scores, sorts, and truncates to topK. It never fails.
func (m *MockReranker) Rerank(_ context.Context, query string, chunks []pipeline.Chunk, topK int) []pipeline.Chunk {
	if topK > len(chunks) {
		topK = len(chunks)
	}
	if topK <= 0 || len(chunks) == 0 {
		return []pipeline.Chunk{}
	}

	queryTokens := tokenize(query)
	scored := make([]pipeline.Chunk, len(chunks))
	for i, chunk := range chunks {
		score := overlapScore(queryTokens, chunk.Text) + proximityBonus(chunk.Score)
		chunk.RerankScore = &score
		scored[i] = chunk
	}

	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := *scored[i].RerankScore, *scored[j].RerankScore
		if si != sj {
			return si > sj
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	return head(scored, topK)
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// returning the distinct token set.
func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// overlapScore is the fraction of query tokens present in the text.
func overlapScore(queryTokens map[string]bool, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	textTokens := tokenize(text)
	matched := 0
	for tok := range queryTokens {
		if textTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

// proximityBonus folds a fraction of the search distance into the score so
// equal-overlap chunks keep their vector-search order. Chunks that never
// went through a search contribute nothing.
func proximityBonus(distance *float32) float64 {
	if distance == nil {
		return 0
	}
	return 0.1 * (1.0 / (1.0 + float64(*distance)))
}
