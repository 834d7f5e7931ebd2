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
	"net/http"
)

// proxyClient posts to a self-hosted embedding proxy. The bge and jina
// adapters share it: both talk to thin HTTP fronts over local model servers
// rather than a vendor SDK.
type proxyClient struct {
	client *http.Client
}

func newProxyClient() *proxyClient {
	return &proxyClient{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// proxyEmbedRequest is the request body the proxies accept. Type
// distinguishes query from document embedding for models that care
// (instruction-tuned retrievers); proxies that don't ignore it.
type proxyEmbedRequest struct {
	Texts []string `json:"texts"`
	Type  string   `json:"type,omitempty"`
}

// embed posts texts and decodes whichever response shape the proxy speaks.
func (p *proxyClient) embed(ctx context.Context, apiURL, kind string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(proxyEmbedRequest{Texts: texts, Type: kind})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	return parseProxyResponse(raw)
}

// parseProxyResponse accepts the three shapes deployed proxies answer with:
//
//	{"embeddings": [[...], ...]}
//	{"data": [{"embedding": [...]}, ...]}
//	[[...], ...]
func parseProxyResponse(raw []byte) ([][]float32, error) {
	var envelope struct {
		Embeddings [][]float32 `json:"embeddings"`
		Data       []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.Embeddings) > 0 {
			return envelope.Embeddings, nil
		}
		if len(envelope.Data) > 0 {
			out := make([][]float32, len(envelope.Data))
			for i, item := range envelope.Data {
				out[i] = item.Embedding
			}
			return out, nil
		}
	}

	var bare [][]float32
	if err := json.Unmarshal(raw, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}

	return nil, fmt.Errorf("unrecognized embedding response shape: %s", truncateBody(raw))
}
