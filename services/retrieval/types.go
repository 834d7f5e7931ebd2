// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import "github.com/fathomsearch/fathom/services/retrieval/pipeline"

// =============================================================================
// Request Types
// =============================================================================

// SearchRequest is the body of POST /retrieval/search.
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
}

// PipelineUpsertRequest is the body of POST /config/pipelines. Config is the
// pipeline's YAML document as a string; it is validated before anything is
// written.
type PipelineUpsertRequest struct {
	Name   string `json:"name" binding:"required"`
	Config string `json:"config" binding:"required"`
}

// =============================================================================
// Response Types
// =============================================================================

// SearchResult is one retrieved chunk in a search response.
type SearchResult struct {
	ChunkID int64  `json:"chunk_id"`
	Text    string `json:"text"`
}

// SearchResponse is the body of a successful search.
type SearchResponse struct {
	Query    string         `json:"query"`
	Pipeline string         `json:"pipeline"`
	Results  []SearchResult `json:"results"`
}

// SearchDebugResponse adds the per-stage trace to a search response.
type SearchDebugResponse struct {
	Query    string          `json:"query"`
	Pipeline string          `json:"pipeline"`
	Results  []SearchResult  `json:"results"`
	Debug    *pipeline.Trace `json:"debug"`
}

// PipelineInfo describes one stored pipeline. Config is the raw YAML text as
// stored, env placeholders unexpanded.
type PipelineInfo struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
	Config  string `json:"config"`
}

// PipelineListResponse is the body of GET /config/pipelines.
type PipelineListResponse struct {
	Default   string   `json:"default"`
	Pipelines []string `json:"pipelines"`
}

// SetDefaultResponse confirms a default-pipeline change.
type SetDefaultResponse struct {
	Status  string `json:"status"`
	Default string `json:"default"`
}

// StatusResponse is a minimal status body for readiness and deletes.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	PipelinesAvailable int    `json:"pipelines_available"`
}

// ErrorResponse is the uniform error body. Code is a stable machine-readable
// discriminator; Error is human-readable detail.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func resultsFromChunks(chunks []pipeline.Chunk) []SearchResult {
	out := make([]SearchResult, len(chunks))
	for i, chunk := range chunks {
		out[i] = SearchResult{ChunkID: chunk.ChunkID, Text: chunk.Text}
	}
	return out
}
