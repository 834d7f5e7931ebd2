// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/milvus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const alphaPipelineYAML = `milvus:
  host: milvus.test
  collection: alpha_chunks
embedding_models:
  - "qwen:text-embedding-v2"
`

// =============================================================================
// Harness
// =============================================================================

type testEnv struct {
	router  *gin.Engine
	svc     *Service
	builder *countingBuilder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithValidator(t, &config.Validator{
		ResolveEmbedder: func(string) error { return nil },
		ProbeMilvus:     func(context.Context, config.MilvusBinding) error { return nil },
		Logger:          testLogger(),
	})
}

func newTestEnvWithValidator(t *testing.T, validator *config.Validator) *testEnv {
	t.Helper()
	store := newTestStore(t, testPipelinesFile)
	builder := &countingBuilder{hits: defaultHits()}
	svc := NewService(store, milvus.NewPool(testLogger()), testLogger(), WithBuilder(builder.build))
	handlers := NewHandlers(svc, validator)

	router := gin.New()
	router.Use(RequestID())
	RegisterRoutes(router.Group("/api/v1"), handlers)
	RegisterOpsRoutes(router, handlers)
	return &testEnv{router: router, svc: svc, builder: builder}
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func wantErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Code != code {
		t.Errorf("code = %q, want %q", resp.Code, code)
	}
	if resp.Error == "" {
		t.Error("error message is empty")
	}
}

// =============================================================================
// Search
// =============================================================================

func TestHandleSearchReturnsRankedChunks(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search", SearchRequest{Query: "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var resp SearchResponse
	decodeBody(t, w, &resp)
	if resp.Query != "hello" {
		t.Errorf("query = %q, want %q", resp.Query, "hello")
	}
	if resp.Pipeline != "docs" {
		t.Errorf("pipeline = %q, want the default %q", resp.Pipeline, "docs")
	}
	// Four hits, final_top_k 3.
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	for i, want := range []int64{1, 2, 3} {
		if resp.Results[i].ChunkID != want {
			t.Errorf("results[%d].chunk_id = %d, want %d", i, resp.Results[i].ChunkID, want)
		}
	}
	if resp.Results[0].Text != "alpha" {
		t.Errorf("results[0].text = %q, want %q", resp.Results[0].Text, "alpha")
	}
}

func TestHandleSearchSelectsPipelineByName(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search?pipeline_name=wiki", SearchRequest{Query: "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var resp SearchResponse
	decodeBody(t, w, &resp)
	if resp.Pipeline != "wiki" {
		t.Errorf("pipeline = %q, want %q", resp.Pipeline, "wiki")
	}
}

func TestHandleSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search", map[string]string{})
	wantErrorCode(t, w, http.StatusBadRequest, "INVALID_QUERY")
}

func TestHandleSearchRejectsBlankQuery(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search", SearchRequest{Query: "   \n"})
	wantErrorCode(t, w, http.StatusBadRequest, "INVALID_QUERY")
}

func TestHandleSearchUnknownPipeline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search?pipeline_name=nope", SearchRequest{Query: "hello"})
	wantErrorCode(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestHandleSearchAllEmbeddersFailed(t *testing.T) {
	env := newTestEnv(t)
	env.builder.embedErr = errors.New("provider down")

	w := env.do(http.MethodPost, "/api/v1/retrieval/search", SearchRequest{Query: "hello"})
	wantErrorCode(t, w, http.StatusBadGateway, "EMBEDDING_ERROR")
}

func TestHandleSearchCancelledRequest(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body, err := json.Marshal(SearchRequest{Query: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/retrieval/search", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	wantErrorCode(t, w, statusClientClosedRequest, "CANCELLED")
}

func TestHandleSearchDebugCarriesStageTraces(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/retrieval/search/debug", SearchRequest{Query: "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var resp SearchDebugResponse
	decodeBody(t, w, &resp)
	if resp.Debug == nil {
		t.Fatal("debug trace missing")
	}
	perEmbedder := resp.Debug.PerEmbedder["qwen:text-embedding-v2"]
	if len(perEmbedder) != 4 {
		t.Errorf("per_embedder chunks = %d, want all 4 raw hits", len(perEmbedder))
	}
	if len(resp.Debug.Deduplicated) != 4 {
		t.Errorf("deduplicated = %d, want 4", len(resp.Debug.Deduplicated))
	}
	if len(resp.Debug.Reranked) != 4 {
		t.Errorf("reranked = %d, want 4 (rerank_input caps at 5)", len(resp.Debug.Reranked))
	}
	if len(resp.Results) != 3 {
		t.Errorf("results = %d, want final_top_k 3", len(resp.Results))
	}
}

func TestSearchEchoesRequestID(t *testing.T) {
	env := newTestEnv(t)

	body, err := json.Marshal(SearchRequest{Query: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/retrieval/search", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-abc-123")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Errorf("X-Request-ID = %q, want the caller's ID echoed", got)
	}

	// Without the header a fresh ID is minted.
	w = env.do(http.MethodPost, "/api/v1/retrieval/search", SearchRequest{Query: "hello"})
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing on response without caller-provided ID")
	}
}

// =============================================================================
// Pipeline Administration
// =============================================================================

func TestHandleListPipelines(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/config/pipelines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp PipelineListResponse
	decodeBody(t, w, &resp)
	if resp.Default != "docs" {
		t.Errorf("default = %q, want %q", resp.Default, "docs")
	}
	if len(resp.Pipelines) != 2 || resp.Pipelines[0] != "docs" || resp.Pipelines[1] != "wiki" {
		t.Errorf("pipelines = %v, want [docs wiki]", resp.Pipelines)
	}
}

func TestHandleGetPipeline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/config/pipelines/docs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var info PipelineInfo
	decodeBody(t, w, &info)
	if info.Name != "docs" {
		t.Errorf("name = %q, want %q", info.Name, "docs")
	}
	if !info.Default {
		t.Error("default = false, want true for the default pipeline")
	}
	if !strings.Contains(info.Config, "docs_chunks") {
		t.Errorf("config does not carry the stored YAML: %q", info.Config)
	}
}

func TestHandleGetPipelineUnknown(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/config/pipelines/nope", nil)
	wantErrorCode(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestHandleUpsertPipelineCreates(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines",
		PipelineUpsertRequest{Name: "alpha", Config: alphaPipelineYAML})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}

	var info PipelineInfo
	decodeBody(t, w, &info)
	if info.Name != "alpha" {
		t.Errorf("name = %q, want %q", info.Name, "alpha")
	}
	if info.Default {
		t.Error("default = true, want false; docs already holds the default")
	}
	if !strings.Contains(info.Config, "alpha_chunks") {
		t.Errorf("config does not echo the stored YAML: %q", info.Config)
	}

	var list PipelineListResponse
	decodeBody(t, env.do(http.MethodGet, "/api/v1/config/pipelines", nil), &list)
	if len(list.Pipelines) != 3 {
		t.Errorf("pipelines = %v, want alpha added", list.Pipelines)
	}
}

func TestHandleUpsertPipelineUpdates(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines",
		PipelineUpsertRequest{Name: "docs", Config: docsVariantYAML})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an existing pipeline (body %s)", w.Code, w.Body.String())
	}

	var info PipelineInfo
	decodeBody(t, w, &info)
	if !strings.Contains(info.Config, "final_top_k: 2") {
		t.Errorf("config not updated: %q", info.Config)
	}
}

func TestHandleUpsertPipelineRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)

	const noEmbedders = `milvus:
  host: milvus.test
  collection: chunks
`
	w := env.do(http.MethodPost, "/api/v1/config/pipelines",
		PipelineUpsertRequest{Name: "broken", Config: noEmbedders})
	wantErrorCode(t, w, http.StatusBadRequest, "INVALID_CONFIG")

	// Nothing was persisted.
	var list PipelineListResponse
	decodeBody(t, env.do(http.MethodGet, "/api/v1/config/pipelines", nil), &list)
	if len(list.Pipelines) != 2 {
		t.Errorf("pipelines = %v, want the original two only", list.Pipelines)
	}
}

func TestHandleUpsertPipelineRequiresFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines", map[string]string{})
	wantErrorCode(t, w, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHandleDeletePipeline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/v1/config/pipelines/wiki", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", w.Code, w.Body.String())
	}

	var list PipelineListResponse
	decodeBody(t, env.do(http.MethodGet, "/api/v1/config/pipelines", nil), &list)
	if len(list.Pipelines) != 1 || list.Pipelines[0] != "docs" {
		t.Errorf("pipelines = %v, want [docs]", list.Pipelines)
	}

	w = env.do(http.MethodDelete, "/api/v1/config/pipelines/wiki", nil)
	wantErrorCode(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestHandleValidatePipelineReportsOK(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines/docs/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var report config.ValidationReport
	decodeBody(t, w, &report)
	if !report.OK {
		t.Errorf("ok = false, want true; errors = %v", report.Errors)
	}
}

func TestHandleValidatePipelineReportsProblems(t *testing.T) {
	env := newTestEnvWithValidator(t, &config.Validator{
		ResolveEmbedder: func(string) error { return nil },
		ProbeMilvus: func(context.Context, config.MilvusBinding) error {
			return errors.New("collection docs_chunks does not exist")
		},
		Logger: testLogger(),
	})

	w := env.do(http.MethodPost, "/api/v1/config/pipelines/docs/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for a failing report", w.Code)
	}

	var report config.ValidationReport
	decodeBody(t, w, &report)
	if report.OK {
		t.Error("ok = true, want false with a failing Milvus probe")
	}
	if len(report.Errors["milvus"]) == 0 {
		t.Errorf("errors = %v, want a milvus entry", report.Errors)
	}
}

func TestHandleValidatePipelineUnknown(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines/nope/validate", nil)
	wantErrorCode(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestHandleSetDefaultPipeline(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines/wiki/set-default", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var resp SetDefaultResponse
	decodeBody(t, w, &resp)
	if resp.Default != "wiki" {
		t.Errorf("default = %q, want %q", resp.Default, "wiki")
	}

	// Searches without a pipeline name now route to wiki.
	var search SearchResponse
	decodeBody(t, env.do(http.MethodPost, "/api/v1/retrieval/search", SearchRequest{Query: "hello"}), &search)
	if search.Pipeline != "wiki" {
		t.Errorf("default search pipeline = %q, want %q", search.Pipeline, "wiki")
	}
}

func TestHandleSetDefaultPipelineUnknown(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/config/pipelines/nope/set-default", nil)
	wantErrorCode(t, w, http.StatusNotFound, "NOT_FOUND")
}

// =============================================================================
// Operational Endpoints
// =============================================================================

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want %q", resp.Status, "healthy")
	}
	if resp.PipelinesAvailable != 2 {
		t.Errorf("pipelines_available = %d, want 2", resp.PipelinesAvailable)
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	env := newTestEnv(t)
	if err := os.Remove(env.svc.Store().Path()); err != nil {
		t.Fatalf("removing pipelines file: %v", err)
	}

	w := env.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; health stays live when config breaks", w.Code)
	}

	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want %q", resp.Status, "unhealthy")
	}
	if resp.PipelinesAvailable != 0 {
		t.Errorf("pipelines_available = %d, want 0", resp.PipelinesAvailable)
	}
}

func TestHandleReady(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	if err := os.Remove(env.svc.Store().Path()); err != nil {
		t.Fatalf("removing pipelines file: %v", err)
	}
	w = env.do(http.MethodGet, "/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with an unreadable pipelines file", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "fathom_") {
		t.Error("metrics exposition does not carry fathom_ series")
	}
}
