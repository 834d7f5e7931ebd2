// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// tracerName identifies retrieval pipeline spans.
const tracerName = "fathom.retrieval"

// ErrAllEmbeddersFailed is returned by Retrieve when every configured
// embedder failed in the embed fan-out. A partial failure is absorbed; zero
// vectors would make the response meaningless, so that case is fail-loud.
var ErrAllEmbeddersFailed = errors.New("all embedders failed")

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the staged retrieval flow for one pipeline.
//
// Description:
//
//	An orchestrator is built once per pipeline configuration snapshot and
//	holds only immutable adapter references, so a single instance may serve
//	any number of concurrent Retrieve calls. The service cache owns the
//	instances and replaces them when the configuration changes.
//
// Thread Safety: Orchestrator is safe for concurrent use.
type Orchestrator struct {
	pipeline  string
	embedders []Embedder
	searcher  VectorSearcher
	reranker  Reranker
	filter    Filter
	params    Params
	logger    *slog.Logger
}

// New builds an orchestrator for one pipeline.
//
// Inputs:
//   - pipelineName: Name used in logs, metrics, and chunk provenance.
//   - embedders: Configured embedders, order preserved through the merge.
//   - searcher: Vector store bound to the pipeline's collection.
//   - reranker: Rerank stage; nil disables the stage (identity truncate).
//   - filter: LLM filter stage; nil disables the stage (identity truncate).
//   - params: Stage sizing; every field must be strictly positive.
//   - logger: Destination for stage diagnostics; nil uses slog.Default.
//
// Outputs:
//   - *Orchestrator: The ready orchestrator.
//   - error: Non-nil when embedders are missing, searcher is nil, or params
//     are not strictly positive.
func New(pipelineName string, embedders []Embedder, searcher VectorSearcher, reranker Reranker, filter Filter, params Params, logger *slog.Logger) (*Orchestrator, error) {
	if len(embedders) == 0 {
		return nil, fmt.Errorf("pipeline %q: at least one embedder is required", pipelineName)
	}
	if searcher == nil {
		return nil, fmt.Errorf("pipeline %q: vector searcher is required", pipelineName)
	}
	if params.TopKPerModel <= 0 || params.InitialSearch <= 0 || params.RerankInput <= 0 ||
		params.LLMFilterInput <= 0 || params.FinalTopK <= 0 {
		return nil, fmt.Errorf("pipeline %q: stage parameters must be strictly positive", pipelineName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pipeline:  pipelineName,
		embedders: embedders,
		searcher:  searcher,
		reranker:  reranker,
		filter:    filter,
		params:    params,
		logger:    logger.With(slog.String("pipeline", pipelineName)),
	}, nil
}

// Name returns the pipeline name the orchestrator was built for.
func (o *Orchestrator) Name() string { return o.pipeline }

// Params returns the stage sizing the orchestrator was built with.
func (o *Orchestrator) Params() Params { return o.params }

// Retrieve answers one query.
//
// Description:
//
//	Stage 1 embeds the query with every configured embedder in parallel;
//	embedders that fail are logged and dropped, and the request fails only
//	when all of them do. Stage 2 searches the vector store once per
//	surviving embedder, again in parallel; search failures contribute zero
//	chunks. Stage 3 merges, deduplicates by chunk_id (lowest score wins),
//	and truncates. Stages 4 and 5 hand the candidates to the reranker and
//	the LLM filter, both of which degrade to identity on failure. Stage 6
//	truncates to the final response size.
//
// Inputs:
//   - ctx: Caller context; cancellation aborts in-flight fan-out work and
//     discards partial results.
//   - query: The query text. Validation happens upstream via NewQuery.
//   - wantDebug: When true, the result carries a Trace with every stage's
//     intermediate output.
//
// Outputs:
//   - *Result: Final chunks plus the optional trace.
//   - error: ErrAllEmbeddersFailed, or the context error on cancellation.
//
// Thread Safety: Safe for concurrent use.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, wantDebug bool) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.Orchestrator.Retrieve",
		oteltrace.WithAttributes(
			attribute.String("pipeline", o.pipeline),
			attribute.Int("embedders", len(o.embedders)),
			attribute.Bool("debug", wantDebug),
		),
	)
	defer span.End()

	o.logger.Debug("Retrieve started",
		slog.Int("query_chars", len(query)),
		slog.Int("embedders", len(o.embedders)),
		slog.Bool("debug", wantDebug))

	// Stage 1: embed fan-out.
	embedCtx, embedSpan, start := o.startStage(ctx, "embed")
	embedded := o.embedQuery(embedCtx, query)
	o.endStage(embedSpan, "embed", start, len(embedded))
	if err := ctx.Err(); err != nil {
		return nil, o.cancelled(span, err)
	}
	if len(embedded) == 0 {
		retrieveTotal.WithLabelValues(o.pipeline, "embedding_error").Inc()
		err := fmt.Errorf("pipeline %q: %w", o.pipeline, ErrAllEmbeddersFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "all embedders failed")
		return nil, err
	}

	// Stage 2: vector-search fan-out.
	searchCtx, searchSpan, start := o.startStage(ctx, "search")
	perEmbedder := o.searchAll(searchCtx, embedded)
	o.endStage(searchSpan, "search", start, len(perEmbedder))
	if err := ctx.Err(); err != nil {
		return nil, o.cancelled(span, err)
	}

	var tr *Trace
	if wantDebug {
		tr = &Trace{PerEmbedder: make(map[string][]Chunk, len(embedded))}
		for i, ev := range embedded {
			tr.PerEmbedder[ev.name] = cloneChunks(perEmbedder[i])
		}
	}

	// Stage 3: merge, deduplicate, truncate.
	_, mergeSpan, start := o.startStage(ctx, "merge")
	deduped := mergeAndDedup(perEmbedder, o.params.InitialSearch)
	o.endStage(mergeSpan, "merge", start, len(deduped))
	if tr != nil {
		tr.Deduplicated = cloneChunks(deduped)
	}

	// Stage 4: rerank. Disabled stage keeps the input order.
	rerankCtx, rerankSpan, start := o.startStage(ctx, "rerank")
	n := min(o.params.RerankInput, len(deduped))
	var reranked []Chunk
	if o.reranker != nil {
		reranked = o.reranker.Rerank(rerankCtx, query, deduped, n)
	} else {
		reranked = firstN(deduped, n)
	}
	o.endStage(rerankSpan, "rerank", start, len(reranked))
	if err := ctx.Err(); err != nil {
		return nil, o.cancelled(span, err)
	}
	if tr != nil {
		tr.Reranked = cloneChunks(reranked)
	}

	// Stage 5: LLM filter. Disabled stage keeps the input order.
	filterCtx, filterSpan, start := o.startStage(ctx, "llm_filter")
	m := min(o.params.LLMFilterInput, len(reranked))
	var filtered []Chunk
	if o.filter != nil {
		filtered = o.filter.Filter(filterCtx, query, reranked, m)
	} else {
		filtered = firstN(reranked, m)
	}
	o.endStage(filterSpan, "llm_filter", start, len(filtered))
	if err := ctx.Err(); err != nil {
		return nil, o.cancelled(span, err)
	}
	if tr != nil {
		tr.Filtered = cloneChunks(filtered)
	}

	// Stage 6: final truncation.
	final := firstN(filtered, o.params.FinalTopK)

	retrieveTotal.WithLabelValues(o.pipeline, "success").Inc()
	resultChunks.WithLabelValues(o.pipeline).Observe(float64(len(final)))
	span.SetAttributes(attribute.Int("results", len(final)))
	o.logger.Debug("Retrieve finished",
		slog.Int("results", len(final)),
		slog.Int("candidates", len(deduped)))

	return &Result{Query: query, Chunks: final, Debug: tr}, nil
}

// startStage opens a child span for one retrieval stage and stamps the wall
// clock for the duration histogram closed out by endStage.
func (o *Orchestrator) startStage(ctx context.Context, stage string) (context.Context, oteltrace.Span, time.Time) {
	sctx, span := otel.Tracer(tracerName).Start(ctx, "retrieve."+stage)
	return sctx, span, time.Now()
}

func (o *Orchestrator) endStage(span oteltrace.Span, stage string, start time.Time, items int) {
	span.SetAttributes(attribute.Int("items", items))
	span.End()
	stageDurationSeconds.WithLabelValues(o.pipeline, stage).Observe(time.Since(start).Seconds())
}

// cancelled records a caller-side abort on the request span and the outcome
// counter, and hands back the context error unchanged.
func (o *Orchestrator) cancelled(span oteltrace.Span, err error) error {
	retrieveTotal.WithLabelValues(o.pipeline, "cancelled").Inc()
	span.SetStatus(codes.Error, "cancelled")
	return err
}

// embedded pairs an embedder name with the query vector it produced.
type embedded struct {
	name   string
	vector []float32
}

// embedQuery runs the stage-1 fan-out. Failed or empty embeddings are logged
// and dropped; the returned slice preserves configured embedder order.
func (o *Orchestrator) embedQuery(ctx context.Context, query string) []embedded {
	vectors := make([][]float32, len(o.embedders))
	g, gctx := errgroup.WithContext(ctx)
	for i, emb := range o.embedders {
		g.Go(func() error {
			vecs, err := emb.Embed(gctx, []string{query})
			if err != nil {
				embedderFailuresTotal.WithLabelValues(o.pipeline, emb.Name()).Inc()
				o.logger.Error("Embedding failed, embedder dropped for this request",
					slog.String("error_kind", "embedding_error"),
					slog.String("embedder", emb.Name()),
					slog.Any("error", err))
				return nil
			}
			if len(vecs) == 0 || len(vecs[0]) == 0 {
				embedderFailuresTotal.WithLabelValues(o.pipeline, emb.Name()).Inc()
				o.logger.Error("Embedder returned no vector, dropped for this request",
					slog.String("error_kind", "embedding_error"),
					slog.String("embedder", emb.Name()))
				return nil
			}
			vectors[i] = vecs[0]
			return nil
		})
	}
	_ = g.Wait()

	out := make([]embedded, 0, len(o.embedders))
	for i, vec := range vectors {
		if vec != nil {
			out = append(out, embedded{name: o.embedders[i].Name(), vector: vec})
		}
	}
	return out
}

// searchAll runs the stage-2 fan-out: one vector-store search per surviving
// embedder. Search failures are absorbed as zero contribution; only caller
// cancellation climbs out, via the context check in Retrieve.
func (o *Orchestrator) searchAll(ctx context.Context, embedded []embedded) [][]Chunk {
	results := make([][]Chunk, len(embedded))
	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range embedded {
		g.Go(func() error {
			hits, err := o.searcher.Search(gctx, [][]float32{ev.vector}, o.params.TopKPerModel, nil, "")
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Warn("Vector search failed, embedder contributes no chunks",
					slog.String("embedder", ev.name),
					slog.Any("error", err))
				return nil
			}
			if len(hits) == 0 {
				return nil
			}
			chunks := make([]Chunk, 0, len(hits[0]))
			for _, h := range hits[0] {
				score := h.Distance
				chunks = append(chunks, Chunk{
					ChunkID:  h.ID,
					Text:     h.Text,
					Score:    &score,
					Embedder: ev.name,
				})
			}
			results[i] = chunks
			return nil
		})
	}
	_ = g.Wait()
	return results
}
