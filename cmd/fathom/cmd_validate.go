// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/fathomsearch/fathom/services/retrieval"
	"github.com/fathomsearch/fathom/services/retrieval/config"
	"github.com/spf13/cobra"
)

// validatePipeline holds the --pipeline flag value for the validate command.
var validatePipeline string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate pipeline configuration against live backends",
	Long: `Validate pipelines from the --config file.

Schema problems (missing embedding models, non-positive stage parameters) and
reachability problems (Milvus binding, reranker endpoint) are reported per
field. The command exits non-zero when any selected pipeline has errors;
warnings alone do not change the exit code.`,
	Run: runValidateCommand,
}

func init() {
	validateCmd.Flags().StringVar(&validatePipeline, "pipeline", "",
		"Validate a single pipeline instead of every configured one")
}

func runValidateCommand(_ *cobra.Command, _ []string) {
	store, err := config.NewStore(configPath, slog.Default())
	if err != nil {
		log.Fatalf("cannot open pipelines file %s: %v", configPath, err)
	}

	defaultName, names, err := store.List()
	if err != nil {
		log.Fatalf("cannot read pipelines file: %v", err)
	}
	if validatePipeline != "" {
		names = []string{validatePipeline}
	}
	if len(names) == 0 {
		fmt.Println("No pipelines configured.")
		return
	}

	validator := retrieval.NewValidator(slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("Validating %d pipeline%s from %s\n\n", len(names), plural(len(names), "", "s"), store.Path())

	failed := 0
	for _, name := range names {
		cfg, err := store.Get(name)
		if err != nil {
			log.Fatalf("pipeline %s: %v", name, err)
		}
		report := validator.Validate(ctx, cfg)
		printReport(name, name == defaultName, report)
		if !report.OK {
			failed++
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d of %d pipeline%s failed validation.\n", failed, len(names), plural(len(names), "", "s"))
		os.Exit(1)
	}
	fmt.Printf("All %d pipeline%s passed validation.\n", len(names), plural(len(names), "", "s"))
}

// printReport prints one pipeline's validation outcome. The default pipeline
// is marked with an asterisk.
func printReport(name string, isDefault bool, report *config.ValidationReport) {
	marker := " "
	if isDefault {
		marker = "*"
	}
	status := "OK"
	if !report.OK {
		status = "FAILED"
	}
	fmt.Printf("%s %-24s %s\n", marker, name, status)

	for _, field := range sortedFields(report.Errors) {
		for _, msg := range report.Errors[field] {
			fmt.Printf("      error    %s: %s\n", field, msg)
		}
	}
	for _, field := range sortedFields(report.Warnings) {
		for _, msg := range report.Warnings[field] {
			fmt.Printf("      warning  %s: %s\n", field, msg)
		}
	}
}

// sortedFields returns the report's field keys in lexical order so output is
// stable across runs.
func sortedFields(m map[string][]string) []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}
