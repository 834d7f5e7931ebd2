// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the retrieval API with the router.
//
// Description:
//
//	Registers all /v1/retrieval/* and /v1/config/* endpoints with the given
//	Gin router group. The router group should already have any required
//	middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /api/v1)
//	handlers - The handlers instance
//
// Search Endpoints:
//
//	POST /retrieval/search - Run the retrieval pipeline for a query
//	POST /retrieval/search/debug - Same, with per-stage traces
//
// Pipeline Administration Endpoints:
//
//	GET    /config/pipelines - List pipelines and the default
//	POST   /config/pipelines - Create or replace a pipeline
//	GET    /config/pipelines/:name - Fetch one pipeline's stored YAML
//	DELETE /config/pipelines/:name - Delete a pipeline
//	POST   /config/pipelines/:name/validate - Deep-validate a pipeline
//	POST   /config/pipelines/:name/set-default - Change the default
//
// Example:
//
//	service := retrieval.NewService(store, pool, logger)
//	handlers := retrieval.NewHandlers(service, retrieval.NewValidator(logger))
//
//	v1 := router.Group("/api/v1")
//	retrieval.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	search := rg.Group("/retrieval")
	{
		search.POST("/search", handlers.HandleSearch)
		search.POST("/search/debug", handlers.HandleSearchDebug)
	}

	pipelines := rg.Group("/config/pipelines")
	{
		pipelines.GET("", handlers.HandleListPipelines)
		pipelines.POST("", handlers.HandleUpsertPipeline)
		pipelines.GET("/:name", handlers.HandleGetPipeline)
		pipelines.DELETE("/:name", handlers.HandleDeletePipeline)
		pipelines.POST("/:name/validate", handlers.HandleValidatePipeline)
		pipelines.POST("/:name/set-default", handlers.HandleSetDefaultPipeline)
	}
}

// RegisterOpsRoutes registers the operational endpoints on the engine root,
// outside any API version group.
//
// Endpoints:
//
//	GET /health - Liveness plus pipeline availability
//	GET /ready - Readiness gate on the pipelines file
//	GET /metrics - Prometheus exposition
func RegisterOpsRoutes(r *gin.Engine, handlers *Handlers) {
	r.GET("/health", handlers.HandleHealth)
	r.GET("/ready", handlers.HandleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
