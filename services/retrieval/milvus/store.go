// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package milvus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
)

const (
	// searchTimeout bounds one Search call end to end, load included. Slower
	// than this and the candidates would arrive too late to matter.
	searchTimeout = 10 * time.Second

	// vectorField is the schema field searched against. Retrieval
	// collections are ingested with this layout.
	vectorField = "embedding"

	fieldID   = "id"
	fieldText = "text"

	// nprobe trades recall for latency on IVF indexes.
	nprobe = 10
)

// defaultOutputFields are requested when the caller passes none.
var defaultOutputFields = []string{fieldID, fieldText}

// =============================================================================
// Vector Search Store
// =============================================================================

// Store runs top-K similarity search against one pipeline's collection. It
// satisfies pipeline.VectorSearcher.
//
// Description:
//
//	Search acquires a pooled connection, verifies and loads the collection,
//	and issues a batched L2 search (nprobe 10). Any backend problem — pool
//	unavailability, missing collection, load or search failure — degrades to
//	empty hit lists with a warning, so one embedder's search never sinks the
//	whole retrieval. Caller cancellation is the only error surfaced.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	binding config.MilvusBinding
	pool    *Pool
	logger  *slog.Logger
}

// NewStore binds a search store to one pipeline's Milvus binding. A nil
// logger uses slog.Default.
func NewStore(binding config.MilvusBinding, pool *Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		binding: binding,
		pool:    pool,
		logger:  logger.With(slog.String("collection", binding.Collection)),
	}
}

// Search returns one hit list per query vector, each ordered by ascending
// distance.
//
// Inputs:
//   - ctx: Caller context; cancellation climbs, backend timeouts do not.
//   - vectors: Query vectors, searched in one batched call.
//   - limit: Per-vector top-K.
//   - outputFields: Schema fields to return; empty means id and text.
//   - collection: Override for the bound collection; empty uses the binding.
//
// Outputs:
//   - [][]pipeline.Hit: len(vectors) lists; empty lists on degradation.
//   - error: Only the context error when the caller is gone.
func (s *Store) Search(ctx context.Context, vectors [][]float32, limit int, outputFields []string, collection string) ([][]pipeline.Hit, error) {
	empty := make([][]pipeline.Hit, len(vectors))
	if len(vectors) == 0 {
		return empty, nil
	}
	if collection == "" {
		collection = s.binding.Collection
	}
	if len(outputFields) == 0 {
		outputFields = defaultOutputFields
	}

	conn, ok := s.pool.Acquire(ctx, s.binding)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.logger.Warn("Milvus unavailable, search degraded to empty",
			slog.String("address", s.binding.Address()))
		searchFailuresTotal.WithLabelValues(collection, "pool_unavailable").Inc()
		return empty, nil
	}

	sctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	exists, err := conn.HasCollection(sctx, collection)
	if err != nil {
		return s.degrade(ctx, empty, collection, "has_collection", err)
	}
	if !exists {
		s.logger.Warn("Collection does not exist, search degraded to empty",
			slog.String("search_collection", collection))
		searchFailuresTotal.WithLabelValues(collection, "missing_collection").Inc()
		return empty, nil
	}

	if err := conn.LoadCollection(sctx, collection, false); err != nil {
		return s.degrade(ctx, empty, collection, "load_collection", err)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(nprobe)
	if err != nil {
		return s.degrade(ctx, empty, collection, "search_params", err)
	}

	vecs := make([]entity.Vector, len(vectors))
	for i, v := range vectors {
		vecs[i] = entity.FloatVector(v)
	}

	results, err := conn.Search(sctx, collection, nil, "", outputFields, vecs,
		vectorField, entity.L2, limit, sp)
	if err != nil {
		return s.degrade(ctx, empty, collection, "search", err)
	}

	out := make([][]pipeline.Hit, len(vectors))
	for i := range out {
		if i < len(results) {
			out[i] = s.parseResult(results[i], collection)
		}
	}
	return out, nil
}

// degrade maps a backend failure onto the empty result unless the caller is
// already gone, in which case the context error climbs instead.
func (s *Store) degrade(ctx context.Context, empty [][]pipeline.Hit, collection, op string, err error) ([][]pipeline.Hit, error) {
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	s.logger.Warn("Milvus search failed, degraded to empty",
		slog.String("search_collection", collection),
		slog.String("op", op),
		slog.Any("error", err))
	searchFailuresTotal.WithLabelValues(collection, op).Inc()
	return empty, nil
}

// parseResult converts one per-vector SDK result into hits. Rows whose id
// cannot be read (a schema drifted away from an int64 primary key) are
// skipped with a single warning.
func (s *Store) parseResult(res client.SearchResult, collection string) []pipeline.Hit {
	if res.Err != nil {
		s.logger.Warn("Milvus returned a per-vector error, vector contributes no hits",
			slog.String("search_collection", collection),
			slog.Any("error", res.Err))
		searchFailuresTotal.WithLabelValues(collection, "result").Inc()
		return nil
	}
	if res.ResultCount == 0 {
		return nil
	}

	textCol := res.Fields.GetColumn(fieldText)
	hits := make([]pipeline.Hit, 0, res.ResultCount)
	skipped := 0
	for i := 0; i < res.ResultCount; i++ {
		id, err := rowID(res, i)
		if err != nil {
			skipped++
			continue
		}
		var text string
		if textCol != nil {
			if v, err := textCol.GetAsString(i); err == nil {
				text = v
			}
		}
		var distance float32
		if i < len(res.Scores) {
			distance = res.Scores[i]
		}
		hits = append(hits, pipeline.Hit{ID: id, Text: text, Distance: distance})
	}
	if skipped > 0 {
		s.logger.Warn("Skipped rows without a readable int64 id",
			slog.String("search_collection", collection),
			slog.Int("skipped", skipped))
	}
	return hits
}

// rowID reads the primary key for row i, preferring the dedicated IDs column
// and falling back to the requested id output field.
func rowID(res client.SearchResult, i int) (int64, error) {
	if res.IDs != nil {
		return res.IDs.GetAsInt64(i)
	}
	if col := res.Fields.GetColumn(fieldID); col != nil {
		return col.GetAsInt64(i)
	}
	return 0, errors.New("result carries no id column")
}

// =============================================================================
// Validation Probe
// =============================================================================

// Probe dials the binding fresh, verifies the configured collection exists,
// and closes the connection. It is the deep-validation hook; the hot path
// never uses it.
func Probe(ctx context.Context, binding config.MilvusBinding) error {
	return probe(ctx, binding, dialMilvus)
}

func probe(ctx context.Context, binding config.MilvusBinding, dial dialFn) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := dial(dctx, clientConfig(binding))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", binding.Address(), err)
	}
	defer func() { _ = conn.Close() }()

	exists, err := conn.HasCollection(dctx, binding.Collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", binding.Collection, err)
	}
	if !exists {
		return fmt.Errorf("collection %q does not exist", binding.Collection)
	}
	return nil
}
