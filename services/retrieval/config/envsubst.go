// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envRefPattern matches embedded ${VAR} references. An unterminated "${" is
// deliberately not matched and passes through literally.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandString applies the two substitution forms to one string value: a
// whole value of the form "env:VAR" becomes the value of VAR, and every
// embedded ${VAR} occurrence is replaced in a single pass. Undefined
// variables resolve to the empty string with a warning, never an error.
func expandString(value string, logger *slog.Logger) string {
	if rest, ok := strings.CutPrefix(value, "env:"); ok {
		name := strings.TrimSpace(rest)
		v, found := os.LookupEnv(name)
		if !found {
			logger.Warn("Environment variable not set, substituting empty string",
				slog.String("var", name))
		}
		return v
	}
	return envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, found := os.LookupEnv(name)
		if !found {
			logger.Warn("Environment variable not set, substituting empty string",
				slog.String("var", name))
		}
		return v
	})
}

// expandNode substitutes environment references across a parsed YAML tree,
// recursing through mappings and sequences. Only mapping values are
// rewritten; keys stay as the operator wrote them.
//
// When a scalar changes, its tag and style are cleared so the decoder
// re-resolves the value: "port: ${MILVUS_PORT}" decodes as an integer once
// the variable is substituted.
func expandNode(node *yaml.Node, logger *slog.Logger) {
	if node == nil {
		return
	}
	switch node.Kind {
	case yaml.ScalarNode:
		replaced := expandString(node.Value, logger)
		if replaced != node.Value {
			node.Value = replaced
			node.Tag = ""
			node.Style = 0
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			expandNode(node.Content[i], logger)
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		for _, child := range node.Content {
			expandNode(child, logger)
		}
	}
}
