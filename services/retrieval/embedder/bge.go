// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

const (
	defaultBGEModel = "BAAI/bge-large-en-v1.5"
	defaultBGEDim   = 1024
)

var bgeDims = map[string]int{
	"BAAI/bge-large-en-v1.5": 1024,
	"BAAI/bge-large-zh-v1.5": 1024,
	"BAAI/bge-base-en-v1.5":  768,
	"BAAI/bge-m3":            1024,
}

// bgeEmbedder talks to a self-hosted BGE proxy. The proxy serves a fixed
// model, so the model part of the spec string only names what the proxy is
// expected to run — it is not sent on the wire.
type bgeEmbedder struct {
	model  string
	apiURL string
	proxy  *proxyClient
	dims   *dims
}

func newBGE(model string, logger *slog.Logger) (*bgeEmbedder, error) {
	if model == "" {
		model = defaultBGEModel
	}
	apiURL := os.Getenv("BGE_API_URL")
	if apiURL == "" {
		return nil, fmt.Errorf("bge embedder: BGE_API_URL is not set")
	}
	return &bgeEmbedder{
		model:  model,
		apiURL: apiURL,
		proxy:  newProxyClient(),
		dims:   newDims("bge:"+model, bgeDims[model], defaultBGEDim, logger),
	}, nil
}

func (e *bgeEmbedder) Name() string { return "bge:" + e.model }

func (e *bgeEmbedder) Dimension() int { return e.dims.value() }

func (e *bgeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vectors, err := e.proxy.embed(ctx, e.apiURL, "query", texts)
	if err != nil {
		return nil, fmt.Errorf("bge: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("bge: got %d embeddings for %d inputs", len(vectors), len(texts))
	}
	e.dims.observe(vectors)
	return vectors, nil
}
