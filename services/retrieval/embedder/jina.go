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
	"strings"
)

const (
	defaultJinaModel = "jina-embeddings-v3"
	defaultJinaDim   = 1024
)

var jinaDims = map[string]int{
	"jina-embeddings-v3":         1024,
	"jina-embeddings-v2-base-en": 768,
	"jina-embeddings-v2-base-zh": 768,
}

// jinaEmbedder routes to a per-language proxy. Language-variant models are
// typically deployed as separate services, so the endpoint is picked from
// the model name: "-en" → JINA_API_URL_EN, "-zh" → JINA_API_URL_ZH,
// anything else → JINA_API_URL. A missing variant URL falls back to the
// generic one.
type jinaEmbedder struct {
	model  string
	apiURL string
	proxy  *proxyClient
	dims   *dims
}

func newJina(model string, logger *slog.Logger) (*jinaEmbedder, error) {
	if model == "" {
		model = defaultJinaModel
	}

	var apiURL string
	switch {
	case strings.Contains(model, "-en"):
		apiURL = os.Getenv("JINA_API_URL_EN")
	case strings.Contains(model, "-zh"):
		apiURL = os.Getenv("JINA_API_URL_ZH")
	}
	if apiURL == "" {
		apiURL = os.Getenv("JINA_API_URL")
	}
	if apiURL == "" {
		return nil, fmt.Errorf("jina embedder: no endpoint for model %q (set JINA_API_URL or a language-variant URL)", model)
	}

	return &jinaEmbedder{
		model:  model,
		apiURL: apiURL,
		proxy:  newProxyClient(),
		dims:   newDims("jina:"+model, jinaDims[model], defaultJinaDim, logger),
	}, nil
}

func (e *jinaEmbedder) Name() string { return "jina:" + e.model }

func (e *jinaEmbedder) Dimension() int { return e.dims.value() }

func (e *jinaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vectors, err := e.proxy.embed(ctx, e.apiURL, "query", texts)
	if err != nil {
		return nil, fmt.Errorf("jina: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("jina: got %d embeddings for %d inputs", len(vectors), len(texts))
	}
	e.dims.observe(vectors)
	return vectors, nil
}
