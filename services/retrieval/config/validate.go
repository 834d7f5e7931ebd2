// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// =============================================================================
// Deep Validation
// =============================================================================

// ValidationReport is the outcome of a deep pre-flight check. Errors and
// Warnings are keyed by the YAML field that produced them. OK is true when
// Errors is empty; warnings alone do not fail a pipeline.
type ValidationReport struct {
	OK       bool                `json:"ok"`
	Errors   map[string][]string `json:"errors"`
	Warnings map[string][]string `json:"warnings,omitempty"`
}

func (r *ValidationReport) addError(field, msg string) {
	r.Errors[field] = append(r.Errors[field], msg)
	r.OK = false
}

func (r *ValidationReport) addWarning(field, msg string) {
	if r.Warnings == nil {
		r.Warnings = map[string][]string{}
	}
	r.Warnings[field] = append(r.Warnings[field], msg)
}

// Validator runs the external-service checks the store deliberately skips
// on write: a pipeline must stay editable while its services are down, so
// connectivity is only probed here, on an explicit admin request or from
// the validate command.
//
// The probe functions are injected by the caller; a nil probe skips its
// check. Validate never returns an error — every finding lands in the
// report.
type Validator struct {
	// ResolveEmbedder checks that an embedding-model spec can be turned
	// into a concrete adapter.
	ResolveEmbedder func(spec string) error

	// ProbeMilvus connects with the binding and verifies the collection
	// exists.
	ProbeMilvus func(ctx context.Context, binding MilvusBinding) error

	// HTTPClient issues the reranker liveness probe. Nil uses a client
	// with a 10 second timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Validate runs every applicable check against one pipeline configuration.
//
// Description:
//
//	Schema violations (missing embedders, non-positive sizing) are checked
//	first, then each embedding-model spec is resolved, the Milvus binding
//	is probed, and, when the optional stages are enabled, the reranker
//	endpoint is probed with a GET (any non-5xx status passes) and the LLM
//	filter binding is checked for a base URL. A missing LLM API key is a
//	warning only, so deployments provisioning the key through the
//	environment validate clean.
//
// Thread Safety: Safe for concurrent use.
func (v *Validator) Validate(ctx context.Context, cfg *PipelineConfig) *ValidationReport {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := &ValidationReport{OK: true, Errors: map[string][]string{}}

	for field, msgs := range structErrors(cfg) {
		for _, msg := range msgs {
			report.addError(field, msg)
		}
	}

	if v.ResolveEmbedder != nil {
		for _, spec := range cfg.EmbeddingModels {
			if err := v.ResolveEmbedder(spec); err != nil {
				report.addError("embedding_models", fmt.Sprintf("%s: %v", spec, err))
			}
		}
	}

	if v.ProbeMilvus != nil {
		if err := v.ProbeMilvus(ctx, cfg.Milvus); err != nil {
			report.addError("milvus", err.Error())
		}
	}

	if cfg.Rerank.Enabled() {
		v.probeReranker(ctx, cfg.Rerank, report)
	}

	if cfg.LLMFilter.Enabled() {
		if cfg.LLMFilter.BaseURL == "" {
			report.addError("llm_filter.base_url", "must not be empty when the LLM filter is enabled")
		}
		if cfg.LLMFilter.APIKey == "" {
			report.addWarning("llm_filter.api_key",
				"empty; the filter will rely on environment-provisioned credentials")
		}
	}

	logger.Debug("Pipeline validation finished",
		slog.String("pipeline", cfg.Name),
		slog.Bool("ok", report.OK),
		slog.Int("errors", len(report.Errors)))
	return report
}

// probeReranker sends a trivial GET to the rerank endpoint. The endpoint
// only implements POST, so 404 and 405 are fine; the probe fails on
// transport errors and 5xx responses, the signatures of a service that is
// down.
func (v *Validator) probeReranker(ctx context.Context, spec RerankSpec, report *ValidationReport) {
	u, err := url.Parse(spec.APIURL)
	if err != nil {
		report.addError("rerank.api_url", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		// Not a network endpoint (the in-process mock reranker); nothing
		// to probe.
		return
	}

	client := v.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.APIURL, nil)
	if err != nil {
		report.addError("rerank.api_url", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		report.addError("rerank.api_url", fmt.Sprintf("unreachable: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		report.addError("rerank.api_url", fmt.Sprintf("returned status %d", resp.StatusCode))
	}
}
