// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fathomsearch/fathom/services/retrieval/config"
)

// New builds the adapter a "provider[:model]" spec string names.
//
// # Description
//
// The provider part selects the adapter; the optional model part overrides
// the provider's default model. Construction resolves credentials and
// endpoints from the environment and fails fast when a required variable is
// missing, so a bad deployment surfaces at pipeline build (or validate)
// time rather than on the first query.
//
// # Inputs
//
//   - spec: "provider" or "provider:model". Recognized providers: openai,
//     qwen, bge, jina. Case-insensitive provider, model taken verbatim.
//   - logger: Destination for adapter diagnostics. Nil falls back to
//     slog.Default().
//
// # Outputs
//
//   - Embedder: The constructed adapter. Nil on error.
//   - error: Wraps config.ErrInvalidConfig for an unknown or empty
//     provider; plain errors for missing environment.
func New(spec string, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider, model, _ := strings.Cut(strings.TrimSpace(spec), ":")
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)

	switch provider {
	case "openai":
		return newOpenAI(model, logger)
	case "qwen":
		return newQwen(model, logger)
	case "bge":
		return newBGE(model, logger)
	case "jina":
		return newJina(model, logger)
	case "":
		return nil, fmt.Errorf("embedder spec %q: missing provider: %w", spec, config.ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("embedder spec %q: unknown provider %q: %w", spec, provider, config.ErrInvalidConfig)
	}
}

// NewAll builds one adapter per spec string, preserving order. The first
// failure aborts with the offending spec named, so a pipeline never comes up
// with a silently shrunken embedder set.
func NewAll(specs []string, logger *slog.Logger) ([]Embedder, error) {
	out := make([]Embedder, 0, len(specs))
	for _, spec := range specs {
		emb, err := New(spec, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, emb)
	}
	return out, nil
}
