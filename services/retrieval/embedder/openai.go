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

	"github.com/tmc/langchaingo/llms/openai"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOpenAIDim   = 1536
)

// openAIDims covers the embedding models OpenAI currently serves. Unlisted
// models resolve lazily from the first response.
var openAIDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// openAIEmbedder wraps the langchaingo OpenAI client. OPENAI_API_KEY is
// required; OPENAI_BASE_URL redirects the adapter at any OpenAI-compatible
// gateway (proxies, Azure fronts, test servers).
type openAIEmbedder struct {
	model string
	llm   *openai.LLM
	dims  *dims
}

func newOpenAI(model string, logger *slog.Logger) (*openAIEmbedder, error) {
	if model == "" {
		model = defaultOpenAIModel
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: OPENAI_API_KEY is not set")
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}

	return &openAIEmbedder{
		model: model,
		llm:   llm,
		dims:  newDims("openai:"+model, openAIDims[model], defaultOpenAIDim, logger),
	}, nil
}

func (e *openAIEmbedder) Name() string { return "openai:" + e.model }

func (e *openAIEmbedder) Dimension() int { return e.dims.value() }

// Embed calls the OpenAI embeddings endpoint once for the whole batch.
func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	vectors, err := e.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	e.dims.observe(vectors)
	return vectors, nil
}
