// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/fathomsearch/fathom/services/retrieval/pipeline"
)

// statusClientClosedRequest is nginx's non-standard code for requests the
// caller abandoned before a response was written.
const statusClientClosedRequest = 499

// Handlers holds the HTTP handlers for the retrieval API.
type Handlers struct {
	svc       *Service
	validator *config.Validator
}

// NewHandlers creates the handlers for a service. The validator backs the
// admin validate endpoint; pass NewValidator's result in production.
func NewHandlers(svc *Service, validator *config.Validator) *Handlers {
	return &Handlers{svc: svc, validator: validator}
}

// =============================================================================
// Search Handlers
// =============================================================================

// HandleSearch runs the full retrieval pipeline for a query.
//
// Description:
//
//	Binds {query} from the body, resolves the pipeline named by the
//	optional pipeline_name query parameter (empty selects the configured
//	default), and returns the final chunk list.
//
// Query Parameters:
//
//	pipeline_name - Optional pipeline to search with.
//
// Response:
//
//	200 OK: SearchResponse
//	400 Bad Request: Missing or empty query, invalid pipeline config
//	404 Not Found: Unknown pipeline name
//	499: Caller closed the connection mid-request
//	502 Bad Gateway: Every embedding provider failed
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSearch(c *gin.Context) {
	h.search(c, "HandleSearch", false)
}

// HandleSearchDebug runs the pipeline with stage tracing enabled and returns
// the intermediate output of every stage alongside the final results.
//
// Response:
//
//	200 OK: SearchDebugResponse
//	Errors: same as HandleSearch
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSearchDebug(c *gin.Context) {
	h.search(c, "HandleSearchDebug", true)
}

func (h *Handlers) search(c *gin.Context, handler string, wantDebug bool) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", handler)

	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "request body requires a query string",
			Code:  "INVALID_QUERY",
		})
		return
	}

	query, err := pipeline.NewQuery(req.Query, c.Query("pipeline_name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}

	orch, err := h.svc.Orchestrator(query.Pipeline)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	result, err := orch.Retrieve(c.Request.Context(), query.Text, wantDebug)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("search completed",
		slog.String("pipeline", orch.Name()),
		slog.Int("results", len(result.Chunks)),
	)

	if wantDebug {
		c.JSON(http.StatusOK, SearchDebugResponse{
			Query:    query.Text,
			Pipeline: orch.Name(),
			Results:  resultsFromChunks(result.Chunks),
			Debug:    result.Debug,
		})
		return
	}
	c.JSON(http.StatusOK, SearchResponse{
		Query:    query.Text,
		Pipeline: orch.Name(),
		Results:  resultsFromChunks(result.Chunks),
	})
}

// =============================================================================
// Pipeline Administration Handlers
// =============================================================================

// HandleListPipelines returns every stored pipeline name and the default.
//
// Response:
//
//	200 OK: PipelineListResponse
//	400 Bad Request: Pipelines file unreadable or invalid
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleListPipelines(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListPipelines")

	defaultName, names, err := h.svc.Store().List()
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, PipelineListResponse{Default: defaultName, Pipelines: names})
}

// HandleGetPipeline returns one pipeline's stored YAML, unexpanded.
//
// Response:
//
//	200 OK: PipelineInfo
//	404 Not Found: Unknown pipeline name
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleGetPipeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetPipeline")

	info, err := h.pipelineInfo(c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleUpsertPipeline creates or replaces a pipeline from {name, config}.
// The config YAML is validated before the pipelines file is touched; invalid
// configurations change nothing.
//
// Response:
//
//	200 OK: PipelineInfo (updated existing pipeline)
//	201 Created: PipelineInfo (new pipeline)
//	400 Bad Request: Missing fields or invalid configuration
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleUpsertPipeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpsertPipeline")

	var req PipelineUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "request body requires name and config",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	store := h.svc.Store()
	existed, err := store.Has(req.Name)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	if _, err := store.Upsert(req.Name, req.Config); err != nil {
		writeError(c, logger, err)
		return
	}

	info, err := h.pipelineInfo(req.Name)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("pipeline stored",
		slog.String("pipeline", req.Name),
		slog.Bool("created", !existed),
	)

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	c.JSON(status, info)
}

// HandleDeletePipeline removes a pipeline from the pipelines file. Deleting
// the default promotes the lexicographically first remaining pipeline.
//
// Response:
//
//	204 No Content
//	404 Not Found: Unknown pipeline name
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleDeletePipeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeletePipeline")

	name := c.Param("name")
	if err := h.svc.Store().Delete(name); err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("pipeline deleted", slog.String("pipeline", name))
	c.Status(http.StatusNoContent)
}

// HandleValidatePipeline runs the deep validation checks against one stored
// pipeline: embedder resolution, a Milvus probe, and reranker liveness.
// The report is returned with 200 whether or not it found problems.
//
// Response:
//
//	200 OK: config.ValidationReport
//	404 Not Found: Unknown pipeline name
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleValidatePipeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleValidatePipeline")

	cfg, err := h.svc.Store().Get(c.Param("name"))
	if err != nil {
		writeError(c, logger, err)
		return
	}

	report := h.validator.Validate(c.Request.Context(), cfg)
	logger.Info("pipeline validated",
		slog.String("pipeline", cfg.Name),
		slog.Bool("ok", report.OK),
	)
	c.JSON(http.StatusOK, report)
}

// HandleSetDefaultPipeline changes which pipeline an empty pipeline_name
// selects.
//
// Response:
//
//	200 OK: SetDefaultResponse
//	404 Not Found: Unknown pipeline name
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSetDefaultPipeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSetDefaultPipeline")

	name := c.Param("name")
	if err := h.svc.Store().SetDefault(name); err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("default pipeline changed", slog.String("pipeline", name))
	c.JSON(http.StatusOK, SetDefaultResponse{Status: "ok", Default: name})
}

// pipelineInfo assembles the PipelineInfo for one pipeline, resolving an
// empty name to the default.
func (h *Handlers) pipelineInfo(name string) (PipelineInfo, error) {
	store := h.svc.Store()
	raw, err := store.GetRaw(name)
	if err != nil {
		return PipelineInfo{}, err
	}
	defaultName, _, err := store.List()
	if err != nil {
		return PipelineInfo{}, err
	}
	resolved := name
	if resolved == "" {
		resolved = defaultName
	}
	return PipelineInfo{Name: resolved, Default: resolved == defaultName, Config: raw}, nil
}

// =============================================================================
// Health Handlers
// =============================================================================

// HandleHealth reports liveness plus how many pipelines are loadable. The
// status degrades, without failing the check, when the pipelines file is
// unreadable.
//
// Response:
//
//	200 OK: HealthResponse
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleHealth(c *gin.Context) {
	status := "healthy"
	var available int
	if _, names, err := h.svc.Store().List(); err != nil {
		status = "unhealthy"
	} else {
		available = len(names)
	}
	c.JSON(http.StatusOK, HealthResponse{Status: status, PipelinesAvailable: available})
}

// HandleReady gates traffic on the pipelines file being loadable.
//
// Response:
//
//	200 OK: StatusResponse
//	503 Service Unavailable: Pipelines file unreadable or invalid
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleReady(c *gin.Context) {
	if _, _, err := h.svc.Store().List(); err != nil {
		c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "not ready"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "ready"})
}

// =============================================================================
// Error Mapping
// =============================================================================

// writeError maps an error to its HTTP status and uniform body, logging at
// a severity matched to the class.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "error", err)
	} else {
		logger.Warn("request rejected", "code", code, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// classifyError folds the service's error kinds onto stable status/code
// pairs. Unrecognized errors are internal.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return http.StatusBadRequest, "INVALID_QUERY"
	case errors.Is(err, pipeline.ErrAllEmbeddersFailed):
		return http.StatusBadGateway, "EMBEDDING_ERROR"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusClientClosedRequest, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
