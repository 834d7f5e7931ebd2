// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config owns the per-pipeline retrieval configuration: the YAML
// pipelines file, environment-variable substitution, schema validation,
// atomic updates under advisory file locks, and hot reload on change.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Error kinds surfaced by the store. Callers match with errors.Is and map
// them onto transport-level status codes.
var (
	// ErrNotFound reports an unknown pipeline name.
	ErrNotFound = errors.New("pipeline not found")

	// ErrInvalidConfig reports a pipelines file or pipeline entry that does
	// not parse or does not satisfy the schema. Invalid configuration is
	// never silently corrected or persisted.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// Defaults applied to fields the pipelines file leaves out.
const (
	DefaultMilvusPort     = 19530
	DefaultMilvusDatabase = "default"

	DefaultRerankTimeoutSeconds = 30

	DefaultTopKPerModel = 10
	DefaultRerankTopK   = 10
	DefaultFinalTopK    = 5

	DefaultInitialSearch  = 60
	DefaultRerankInput    = 30
	DefaultLLMFilterInput = 20
)

// =============================================================================
// Pipeline Configuration Model
// =============================================================================

// MilvusBinding locates one Milvus collection. The tuple
// (host, port, user, password, database) also keys the connection pool.
type MilvusBinding struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port" validate:"gt=0"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Address renders the binding as a gRPC dial target.
func (b MilvusBinding) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// PoolKey identifies the connection the binding resolves to. Two bindings
// with the same key share a pooled handle regardless of collection.
func (b MilvusBinding) PoolKey() string {
	return fmt.Sprintf("%s:%d/%s@%s", b.Host, b.Port, b.Database, b.User)
}

// RerankSpec configures the optional cross-encoder rerank stage. An empty
// APIURL disables the stage.
type RerankSpec struct {
	APIURL  string `yaml:"api_url"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Enabled reports whether the rerank stage should run.
func (r RerankSpec) Enabled() bool { return r.APIURL != "" }

// HTTPTimeout returns the configured timeout, treating missing or zero as
// the 30 second default.
func (r RerankSpec) HTTPTimeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRerankTimeoutSeconds * time.Second
	}
	return time.Duration(r.Timeout) * time.Second
}

// LLMFilterSpec configures the optional LLM relevance filter. The stage is
// disabled when both BaseURL and Model are empty.
type LLMFilterSpec struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Enabled reports whether the LLM filter stage should run.
func (l LLMFilterSpec) Enabled() bool { return l.BaseURL != "" || l.Model != "" }

// RetrievalParams sizes the response-facing ends of the pipeline.
type RetrievalParams struct {
	TopKPerModel int `yaml:"top_k_per_model" validate:"gt=0"`
	RerankTopK   int `yaml:"rerank_top_k" validate:"gt=0"`
	FinalTopK    int `yaml:"final_top_k" validate:"gt=0"`
}

// ChunkSizes bounds the candidate lists flowing between stages.
type ChunkSizes struct {
	InitialSearch  int `yaml:"initial_search" validate:"gt=0"`
	RerankInput    int `yaml:"rerank_input" validate:"gt=0"`
	LLMFilterInput int `yaml:"llm_filter_input" validate:"gt=0"`
}

// PipelineConfig is one named retrieval pipeline. Fields absent from the
// YAML keep the defaults seeded by DefaultPipelineConfig; explicit zero
// values are rejected by validation rather than silently replaced.
type PipelineConfig struct {
	Name            string          `yaml:"-"`
	Milvus          MilvusBinding   `yaml:"milvus"`
	EmbeddingModels []string        `yaml:"embedding_models" validate:"min=1,dive,required"`
	Rerank          RerankSpec      `yaml:"rerank"`
	LLMFilter       LLMFilterSpec   `yaml:"llm_filter"`
	Retrieval       RetrievalParams `yaml:"retrieval"`
	ChunkSizes      ChunkSizes      `yaml:"chunk_sizes"`
}

// DefaultPipelineConfig returns a config seeded with every documented
// default. Decoding a YAML entry over it leaves missing fields at these
// values.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Milvus: MilvusBinding{
			Port:     DefaultMilvusPort,
			Database: DefaultMilvusDatabase,
		},
		Rerank: RerankSpec{
			Timeout: DefaultRerankTimeoutSeconds,
		},
		Retrieval: RetrievalParams{
			TopKPerModel: DefaultTopKPerModel,
			RerankTopK:   DefaultRerankTopK,
			FinalTopK:    DefaultFinalTopK,
		},
		ChunkSizes: ChunkSizes{
			InitialSearch:  DefaultInitialSearch,
			RerankInput:    DefaultRerankInput,
			LLMFilterInput: DefaultLLMFilterInput,
		},
	}
}

// clone returns an independent copy, including the embedding-model slice, so
// callers can hold a config without observing later store updates.
func (c *PipelineConfig) clone() *PipelineConfig {
	cp := *c
	cp.EmbeddingModels = append([]string(nil), c.EmbeddingModels...)
	return &cp
}

// =============================================================================
// Schema Validation
// =============================================================================

// structValidator reports violations under YAML field names so error maps
// read like the file the operator edited.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	return v
}

// structErrors validates the schema constraints (at least one embedding
// model, strictly positive sizing parameters) and returns violations keyed
// by YAML field path. An empty map means the config is schema-valid.
func structErrors(cfg *PipelineConfig) map[string][]string {
	out := map[string][]string{}
	err := structValidator.Struct(cfg)
	if err == nil {
		return out
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["config"] = append(out["config"], err.Error())
		return out
	}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out[field] = append(out[field], violationMessage(fe))
	}
	return out
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "min":
		return fmt.Sprintf("must contain at least %s entry", fe.Param())
	case "required":
		return "must not be empty"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// validateSchema converts structErrors into a single ErrInvalidConfig for
// the store's write path.
func validateSchema(cfg *PipelineConfig) error {
	violations := structErrors(cfg)
	if len(violations) == 0 {
		return nil
	}
	parts := make([]string, 0, len(violations))
	for field, msgs := range violations {
		parts = append(parts, fmt.Sprintf("%s %s", field, strings.Join(msgs, "; ")))
	}
	sort.Strings(parts)
	return fmt.Errorf("pipeline %q: %w: %s", cfg.Name, ErrInvalidConfig, strings.Join(parts, "; "))
}
