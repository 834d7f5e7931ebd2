// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval is the service layer: it caches one ready orchestrator
// per pipeline, invalidates entries when their configuration changes, and
// exposes the HTTP API (search, debug search, pipeline administration,
// health).
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/embedder"
	"github.com/fathomsearch/fathom/services/retrieval/llmfilter"
	"github.com/fathomsearch/fathom/services/retrieval/milvus"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
	"github.com/fathomsearch/fathom/services/retrieval/rerank"
)

// BuildFunc turns one configuration snapshot into a ready orchestrator.
// Tests substitute builders that wire stub adapters.
type BuildFunc func(cfg *config.PipelineConfig) (*pipeline.Orchestrator, error)

// Option customizes a Service at construction.
type Option func(*Service)

// WithBuilder replaces the production orchestrator factory.
func WithBuilder(build BuildFunc) Option {
	return func(s *Service) { s.build = build }
}

// =============================================================================
// Service
// =============================================================================

// Service owns the pipeline-name → orchestrator cache.
//
// Description:
//
//	Orchestrators are expensive enough to matter (adapter construction,
//	HTTP clients) and immutable once built, so the service builds each one
//	on first use and caches it until the underlying configuration changes.
//	The config store's change notifications invalidate entries; the next
//	request rebuilds from the fresh snapshot. The Milvus pool is shared
//	across all orchestrators and survives invalidation.
//
// Thread Safety: Service is safe for concurrent use.
type Service struct {
	store  *config.Store
	pool   *milvus.Pool
	logger *slog.Logger
	build  BuildFunc

	mu            sync.RWMutex
	orchestrators map[string]*pipeline.Orchestrator
}

// NewService builds the service and subscribes it to the store's change
// notifications. A nil logger uses slog.Default.
func NewService(store *config.Store, pool *milvus.Pool, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:         store,
		pool:          pool,
		logger:        logger,
		orchestrators: make(map[string]*pipeline.Orchestrator),
	}
	s.build = s.buildOrchestrator
	for _, opt := range opts {
		opt(s)
	}
	store.OnChange(s.Invalidate)
	return s
}

// Store exposes the underlying config store for the admin handlers.
func (s *Service) Store() *config.Store { return s.store }

// Orchestrator returns the cached orchestrator for the named pipeline,
// building it on first use. An empty name selects the configured default.
//
// Outputs:
//   - *pipeline.Orchestrator: Ready to serve Retrieve calls.
//   - error: config.ErrNotFound for unknown names; otherwise the builder's
//     error (unresolvable adapter spec, missing credentials).
func (s *Service) Orchestrator(name string) (*pipeline.Orchestrator, error) {
	// Get refreshes the snapshot from disk if it changed, which fires the
	// invalidation callbacks before returning. The cache read below
	// therefore never serves an orchestrator built from a stale snapshot.
	cfg, err := s.store.Get(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	orch, ok := s.orchestrators[cfg.Name]
	s.mu.RUnlock()
	if ok {
		return orch, nil
	}

	orch, err = s.build(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orchestrators[cfg.Name]; ok {
		// Lost a build race; both were built from equally fresh snapshots.
		return existing, nil
	}
	s.orchestrators[cfg.Name] = orch
	cacheBuildsTotal.Inc()
	cacheEntries.Set(float64(len(s.orchestrators)))
	s.logger.Info("Pipeline orchestrator built",
		slog.String("pipeline", cfg.Name),
		slog.Int("embedders", len(cfg.EmbeddingModels)),
		slog.Bool("rerank", cfg.Rerank.Enabled()),
		slog.Bool("llm_filter", cfg.LLMFilter.Enabled()))
	return orch, nil
}

// buildOrchestrator is the production BuildFunc: embedders from the factory,
// search bound to the shared pool, optional rerank and filter stages per the
// spec flags.
func (s *Service) buildOrchestrator(cfg *config.PipelineConfig) (*pipeline.Orchestrator, error) {
	embedders, err := embedder.NewAll(cfg.EmbeddingModels, s.logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Name, err)
	}
	stageEmbedders := make([]pipeline.Embedder, len(embedders))
	for i, e := range embedders {
		stageEmbedders[i] = e
	}

	searcher := milvus.NewStore(cfg.Milvus, s.pool, s.logger)

	var reranker pipeline.Reranker
	if cfg.Rerank.Enabled() {
		reranker = rerank.New(cfg.Rerank, s.logger)
	}
	var filter pipeline.Filter
	if cfg.LLMFilter.Enabled() {
		filter = llmfilter.New(cfg.LLMFilter, s.logger)
	}

	params := pipeline.Params{
		TopKPerModel:   cfg.Retrieval.TopKPerModel,
		InitialSearch:  cfg.ChunkSizes.InitialSearch,
		RerankInput:    cfg.ChunkSizes.RerankInput,
		LLMFilterInput: cfg.ChunkSizes.LLMFilterInput,
		FinalTopK:      cfg.Retrieval.FinalTopK,
	}
	return pipeline.New(cfg.Name, stageEmbedders, searcher, reranker, filter, params, s.logger)
}

// Invalidate drops the cached orchestrator for one pipeline. Wired to the
// store's change notifications; also safe to call directly.
func (s *Service) Invalidate(name string) {
	s.mu.Lock()
	_, had := s.orchestrators[name]
	delete(s.orchestrators, name)
	cacheEntries.Set(float64(len(s.orchestrators)))
	s.mu.Unlock()

	if had {
		cacheInvalidationsTotal.Inc()
		s.logger.Info("Pipeline orchestrator invalidated", slog.String("pipeline", name))
	}
}

// InvalidateAll clears the cache. The next request per pipeline rebuilds.
func (s *Service) InvalidateAll() {
	s.mu.Lock()
	n := len(s.orchestrators)
	s.orchestrators = make(map[string]*pipeline.Orchestrator)
	cacheEntries.Set(0)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("Pipeline orchestrator cache cleared", slog.Int("entries", n))
	}
}

// CacheSize reports the number of cached orchestrators.
func (s *Service) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orchestrators)
}

// Shutdown clears the cache and closes the shared Milvus pool. Called once
// when the process stops.
func (s *Service) Shutdown() {
	s.InvalidateAll()
	s.pool.CloseAll()
}

// NewValidator assembles the deep-validation hooks the admin validate
// endpoint and the validate command share: embedder specs are resolved
// through the real factory and Milvus bindings probed with a fresh dial.
func NewValidator(logger *slog.Logger) *config.Validator {
	return &config.Validator{
		ResolveEmbedder: func(spec string) error {
			_, err := embedder.New(spec, logger)
			return err
		},
		ProbeMilvus: func(ctx context.Context, binding config.MilvusBinding) error {
			return milvus.Probe(ctx, binding)
		},
		Logger: logger,
	}
}
