// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llmfilter runs the final relevance selection through an
// OpenAI-compatible chat completion endpoint.
//
// The filter enumerates the candidate chunks in a prompt, asks the model for
// the ids of the most relevant ones, and parses the answer leniently: any
// integers found in the response that name real candidates are honored, in
// the model's order. Like the reranker, the filter is infallible — every
// failure degrades to passing the first topK candidates through, because a
// flaky model must never empty a response.
package llmfilter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
	"github.com/fathomsearch/fathom/services/retrieval/redact"
)

const (
	// requestTimeout bounds one completion call. Selection prompts are small
	// and capped at 500 output tokens, so a healthy endpoint answers in a
	// few seconds.
	requestTimeout = 30 * time.Second

	// temperature is kept low: selection should be near-deterministic.
	temperature = 0.1

	// maxTokens caps the completion; an id list never needs more.
	maxTokens = 500

	completionsPath = "/chat/completions"
)

// intPattern extracts the integer tokens of a lenient id-list answer.
var intPattern = regexp.MustCompile(`-?\d+`)

// =============================================================================
// LLM Relevance Filter
// =============================================================================

// Filter selects the final chunks with a chat completion call.
//
// Thread Safety: Filter is safe for concurrent use.
type Filter struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// New builds the filter from a pipeline's llm_filter spec. An empty api_key
// falls back to OPENAI_API_KEY, so deployments can provision the credential
// through the environment instead of the pipelines file. A nil logger uses
// slog.Default.
func New(spec config.LLMFilterSpec, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := spec.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &Filter{
		apiKey:  apiKey,
		baseURL: spec.BaseURL,
		model:   spec.Model,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// chatRequest is the OpenAI-compatible wire request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Filter asks the model for the topK most relevant chunks. On any failure it
// returns the first topK input chunks unchanged.
func (f *Filter) Filter(ctx context.Context, query string, chunks []pipeline.Chunk, topK int) []pipeline.Chunk {
	if topK > len(chunks) {
		topK = len(chunks)
	}
	if topK <= 0 || len(chunks) == 0 {
		return []pipeline.Chunk{}
	}

	selected, err := f.call(ctx, query, chunks, topK)
	if err != nil {
		degradationsTotal.Inc()
		f.logger.Warn("LLM filter failed, passing candidates through",
			slog.String("model", f.model),
			slog.Int("candidates", len(chunks)),
			slog.Any("error", err))
		return head(chunks, topK)
	}
	return selected
}

func (f *Filter) call(ctx context.Context, query string, chunks []pipeline.Chunk, topK int) ([]pipeline.Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model:       f.model,
		Messages:    []chatMessage{{Role: "user", Content: buildPrompt(query, chunks, topK)}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("completion endpoint error: %s", redact.Secrets(decoded.Error.Message))
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	content := decoded.Choices[0].Message.Content
	selected := selectByID(content, chunks, topK)
	if len(selected) == 0 {
		return nil, fmt.Errorf("completion named no known chunk ids: %s", truncateBody([]byte(content)))
	}
	return fill(selected, chunks, topK), nil
}

// completionsURL appends the chat-completions path unless the operator
// already configured the full endpoint.
func (f *Filter) completionsURL() string {
	base := strings.TrimSuffix(f.baseURL, "/")
	if strings.HasSuffix(base, completionsPath) {
		return base
	}
	return base + completionsPath
}

// buildPrompt enumerates the candidates and asks for an id list, nothing
// else. The id-only format keeps the lenient parse unambiguous enough.
func buildPrompt(query string, chunks []pipeline.Chunk, topK int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You select the text chunks most relevant to a search query.\n\nQuery: %s\n\nCandidate chunks:\n", query)
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] chunk_id=%d: %s\n", i+1, c.ChunkID, c.Text)
	}
	fmt.Fprintf(&b, "\nRespond with a comma-separated list of the chunk_id values of the %d most relevant chunks, most relevant first. Respond with the ids only.", topK)
	return b.String()
}

// selectByID keeps the chunks whose ids the answer names, in answer order,
// dropping duplicates and ids that name no candidate.
func selectByID(content string, chunks []pipeline.Chunk, topK int) []pipeline.Chunk {
	byID := make(map[int64]pipeline.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}

	out := make([]pipeline.Chunk, 0, topK)
	seen := make(map[int64]bool, topK)
	for _, tok := range intPattern.FindAllString(content, -1) {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			continue
		}
		chunk, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, chunk)
		if len(out) == topK {
			break
		}
	}
	return out
}

// fill tops the selection up to topK from the input order, so a terse model
// answer still yields a full page of results.
func fill(selected []pipeline.Chunk, chunks []pipeline.Chunk, topK int) []pipeline.Chunk {
	if len(selected) >= topK {
		return selected[:topK]
	}
	seen := make(map[int64]bool, len(selected))
	for _, c := range selected {
		seen[c.ChunkID] = true
	}
	for _, c := range chunks {
		if len(selected) == topK {
			break
		}
		if seen[c.ChunkID] {
			continue
		}
		selected = append(selected, c)
	}
	return selected
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
