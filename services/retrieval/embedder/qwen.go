// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

const (
	defaultQwenModel = "text-embedding-v2"
	defaultQwenDim   = 1536

	// DashScope's OpenAI-compatible mode. QWEN_API_URL overrides for
	// self-hosted deployments.
	defaultQwenURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"
)

var qwenDims = map[string]int{
	"text-embedding-v1": 1536,
	"text-embedding-v2": 1536,
	"text-embedding-v3": 1024,
}

// qwenEmbedder speaks the OpenAI embeddings wire format against DashScope's
// compatible-mode endpoint (or any stand-in set via QWEN_API_URL).
type qwenEmbedder struct {
	model  string
	apiURL string
	apiKey string
	client *http.Client
	dims   *dims
}

type qwenEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type qwenEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newQwen(model string, logger *slog.Logger) (*qwenEmbedder, error) {
	if model == "" {
		model = defaultQwenModel
	}
	apiKey := os.Getenv("QWEN_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("qwen embedder: QWEN_API_KEY is not set")
	}
	return &qwenEmbedder{
		model:  model,
		apiURL: envOr("QWEN_API_URL", defaultQwenURL),
		apiKey: apiKey,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		dims:   newDims("qwen:"+model, qwenDims[model], defaultQwenDim, logger),
	}, nil
}

func (e *qwenEmbedder) Name() string { return "qwen:" + e.model }

func (e *qwenEmbedder) Dimension() int { return e.dims.value() }

// Embed posts the batch and reassembles vectors by the index field — the
// endpoint does not guarantee response order matches input order.
func (e *qwenEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	body, err := json.Marshal(qwenEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("qwen: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("qwen: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qwen: embeddings call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("qwen: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qwen: embeddings endpoint returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var parsed qwenEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("qwen: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("qwen: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("qwen: embedding index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	e.dims.observe(out)
	return out, nil
}
