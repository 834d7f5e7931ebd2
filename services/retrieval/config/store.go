// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// fileDoc mirrors the on-disk pipelines file. Pipeline bodies stay as raw
// YAML nodes so admin reads echo exactly what the operator stored, env
// references included, and writes never leak substituted secrets back to
// disk.
type fileDoc struct {
	Default   string               `yaml:"default"`
	Pipelines map[string]yaml.Node `yaml:"pipelines"`
}

// =============================================================================
// Store
// =============================================================================

// Store owns the pipelines file.
//
// Description:
//
//	The store keeps two views of every pipeline: the raw YAML text as
//	stored, and the resolved PipelineConfig with environment references
//	substituted, defaults applied, and the schema validated. Reads check
//	the file's modification time first and reload when it changed, so
//	operators can hot-edit the file without a restart. Writes re-read the
//	file under an exclusive advisory lock, apply the mutation, and replace
//	the file atomically (temp file plus rename). A sibling <path>.lock file
//	carries the advisory lock because the rename swaps the config file's
//	inode.
//
// Thread Safety: Store is safe for concurrent use. The in-process mutex
// serializes goroutines; the file lock serializes processes sharing the
// file.
type Store struct {
	path   string
	logger *slog.Logger
	flk    *flock.Flock

	mu          sync.RWMutex
	defaultName string
	raw         map[string]string
	resolved    map[string]*PipelineConfig
	lastMod     time.Time
	onChange    []func(name string)
}

// snapshot is one consistent parse of the pipelines file.
type snapshot struct {
	defaultName string
	raw         map[string]string
	resolved    map[string]*PipelineConfig
	modTime     time.Time
}

// NewStore opens the pipelines file and loads the initial snapshot. A
// missing or invalid file is an error; the service refuses to start on a
// configuration it cannot read.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		flk:    flock.New(path + ".lock"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the pipelines file location.
func (s *Store) Path() string { return s.path }

// OnChange registers a callback fired with the name of every pipeline whose
// stored text, resolution, or default status changed. Callbacks run outside
// the store's locks and must not call back into mutating operations.
func (s *Store) OnChange(fn func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// =============================================================================
// Read Operations
// =============================================================================

// List returns the default pipeline name and every pipeline name in
// lexicographic order.
func (s *Store) List() (string, []string, error) {
	if err := s.ensureFresh(); err != nil {
		return "", nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.resolved))
	for name := range s.resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.defaultName, names, nil
}

// Get returns the resolved configuration for name, or for the default
// pipeline when name is empty. Unknown names fail with ErrNotFound.
func (s *Store) Get(name string) (*PipelineConfig, error) {
	if err := s.ensureFresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resolved := name
	if resolved == "" {
		resolved = s.defaultName
	}
	cfg, ok := s.resolved[resolved]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", resolved, ErrNotFound)
	}
	return cfg.clone(), nil
}

// GetRaw returns the stored YAML text for name (default when empty), with
// environment references unsubstituted. Admin responses echo this text.
func (s *Store) GetRaw(name string) (string, error) {
	if err := s.ensureFresh(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resolved := name
	if resolved == "" {
		resolved = s.defaultName
	}
	text, ok := s.raw[resolved]
	if !ok {
		return "", fmt.Errorf("pipeline %q: %w", resolved, ErrNotFound)
	}
	return text, nil
}

// Has reports whether a pipeline with the given name exists.
func (s *Store) Has(name string) (bool, error) {
	if err := s.ensureFresh(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resolved[name]
	return ok, nil
}

// ensureFresh reloads when the file's modification time moved since the
// snapshot was taken.
func (s *Store) ensureFresh() error {
	st, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: pipelines file %s: %v", ErrInvalidConfig, s.path, err)
	}
	s.mu.RLock()
	fresh := st.ModTime().Equal(s.lastMod)
	s.mu.RUnlock()
	if fresh {
		return nil
	}
	s.logger.Info("Pipelines file changed on disk, reloading",
		slog.String("path", s.path))
	return s.Reload()
}

// Reload re-reads the pipelines file and swaps the in-memory snapshot. On
// failure the previous snapshot stays in place and the error is returned;
// read operations keep failing until the file is repaired.
func (s *Store) Reload() error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := diffSnapshots(s.raw, snap.raw, s.defaultName, snap.defaultName)
	s.defaultName = snap.defaultName
	s.raw = snap.raw
	s.resolved = snap.resolved
	s.lastMod = snap.modTime
	callbacks := append(([]func(string))(nil), s.onChange...)
	s.mu.Unlock()

	s.notify(callbacks, changed)
	return nil
}

// load parses the file under a shared advisory lock.
func (s *Store) load() (*snapshot, error) {
	if err := s.flk.RLock(); err != nil {
		return nil, fmt.Errorf("%w: locking %s: %v", ErrInvalidConfig, s.flk.Path(), err)
	}
	defer func() { _ = s.flk.Unlock() }()

	st, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: pipelines file %s: %v", ErrInvalidConfig, s.path, err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: pipelines file %s: %v", ErrInvalidConfig, s.path, err)
	}
	doc, err := parseDoc(data)
	if err != nil {
		return nil, err
	}
	return s.buildSnapshot(doc, st.ModTime())
}

func parseDoc(data []byte) (*fileDoc, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc.Pipelines == nil {
		doc.Pipelines = map[string]yaml.Node{}
	}
	return &doc, nil
}

// buildSnapshot resolves every entry and checks the document invariants:
// the default must name an existing pipeline whenever any pipeline exists.
func (s *Store) buildSnapshot(doc *fileDoc, modTime time.Time) (*snapshot, error) {
	snap := &snapshot{
		defaultName: doc.Default,
		raw:         make(map[string]string, len(doc.Pipelines)),
		resolved:    make(map[string]*PipelineConfig, len(doc.Pipelines)),
		modTime:     modTime,
	}
	for name, node := range doc.Pipelines {
		text, err := marshalNode(&node)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w: %v", name, ErrInvalidConfig, err)
		}
		cfg, err := s.resolvePipeline(name, text)
		if err != nil {
			return nil, err
		}
		snap.raw[name] = text
		snap.resolved[name] = cfg
	}
	if len(snap.resolved) > 0 {
		if _, ok := snap.resolved[snap.defaultName]; !ok {
			return nil, fmt.Errorf("%w: default %q does not name an existing pipeline",
				ErrInvalidConfig, snap.defaultName)
		}
	} else if snap.defaultName != "" {
		return nil, fmt.Errorf("%w: default %q does not name an existing pipeline",
			ErrInvalidConfig, snap.defaultName)
	}
	return snap, nil
}

// resolvePipeline turns stored YAML text into a validated config: parse,
// substitute environment references, decode over the documented defaults,
// then validate the schema.
func (s *Store) resolvePipeline(name, text string) (*PipelineConfig, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w: %v", name, ErrInvalidConfig, err)
	}
	expandNode(&node, s.logger)

	cfg := DefaultPipelineConfig()
	if len(node.Content) > 0 {
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w: %v", name, ErrInvalidConfig, err)
		}
	}
	cfg.Name = name
	if err := validateSchema(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// =============================================================================
// Write Operations
// =============================================================================

// Upsert validates configText and stores it under name, creating or
// replacing the entry. The first pipeline written to an empty file becomes
// the default. Returns the resolved config.
func (s *Store) Upsert(name, configText string) (*PipelineConfig, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: pipeline name must not be empty", ErrInvalidConfig)
	}
	cfg, err := s.resolvePipeline(name, configText)
	if err != nil {
		return nil, err
	}

	err = s.mutate(func(doc *fileDoc) error {
		var node yaml.Node
		if err := yaml.Unmarshal([]byte(configText), &node); err != nil {
			return fmt.Errorf("pipeline %q: %w: %v", name, ErrInvalidConfig, err)
		}
		body := node
		if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
			body = *node.Content[0]
		}
		doc.Pipelines[name] = body
		if doc.Default == "" {
			doc.Default = name
		}
		return nil
	}, name)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Pipeline configuration stored",
		slog.String("pipeline", name))
	return cfg, nil
}

// Delete removes a pipeline. Deleting the default promotes the
// lexicographically first remaining pipeline; deleting the last pipeline
// clears the default. Unknown names fail with ErrNotFound.
func (s *Store) Delete(name string) error {
	err := s.mutate(func(doc *fileDoc) error {
		if _, ok := doc.Pipelines[name]; !ok {
			return fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
		}
		delete(doc.Pipelines, name)
		if doc.Default == name {
			doc.Default = firstName(doc.Pipelines)
		}
		return nil
	}, name)
	if err != nil {
		return err
	}
	s.logger.Info("Pipeline configuration deleted", slog.String("pipeline", name))
	return nil
}

// SetDefault points the default at an existing pipeline. Unknown names fail
// with ErrNotFound.
func (s *Store) SetDefault(name string) error {
	err := s.mutate(func(doc *fileDoc) error {
		if _, ok := doc.Pipelines[name]; !ok {
			return fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
		}
		doc.Default = name
		return nil
	}, name)
	if err != nil {
		return err
	}
	s.logger.Info("Default pipeline changed", slog.String("pipeline", name))
	return nil
}

// mutate runs one read-modify-write cycle under the exclusive file lock:
// re-read the latest document, apply fn, validate the result, write
// atomically, then swap the in-memory snapshot. Listeners are notified
// synchronously after the locks drop, so cache invalidation completes
// before the mutating call returns.
func (s *Store) mutate(fn func(doc *fileDoc) error, changedName string) error {
	callbacks, changed, err := s.mutateLocked(fn)
	if err != nil {
		return err
	}
	if changedName != "" && !contains(changed, changedName) {
		changed = append(changed, changedName)
	}
	s.notify(callbacks, changed)
	return nil
}

func (s *Store) mutateLocked(fn func(doc *fileDoc) error) ([]func(string), []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flk.Lock(); err != nil {
		return nil, nil, fmt.Errorf("%w: locking %s: %v", ErrInvalidConfig, s.flk.Path(), err)
	}
	defer func() { _ = s.flk.Unlock() }()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pipelines file %s: %v", ErrInvalidConfig, s.path, err)
	}
	doc, err := parseDoc(data)
	if err != nil {
		return nil, nil, err
	}
	if err := fn(doc); err != nil {
		return nil, nil, err
	}

	modTime, err := s.writeDoc(doc)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.buildSnapshot(doc, modTime)
	if err != nil {
		// The mutation produced a document we cannot resolve; the
		// validated write paths should never reach this.
		return nil, nil, err
	}

	changed := diffSnapshots(s.raw, snap.raw, s.defaultName, snap.defaultName)
	s.defaultName = snap.defaultName
	s.raw = snap.raw
	s.resolved = snap.resolved
	s.lastMod = snap.modTime
	callbacks := append(([]func(string))(nil), s.onChange...)
	return callbacks, changed, nil
}

// writeDoc replaces the pipelines file atomically and returns the new
// modification time.
func (s *Store) writeDoc(doc *fileDoc) (time.Time, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: encoding pipelines file: %v", ErrInvalidConfig, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pipelines-*.yaml")
	if err != nil {
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}

	st, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("writing pipelines file: %w", err)
	}
	return st.ModTime(), nil
}

// notify fires the change callbacks, one call per changed pipeline name.
func (s *Store) notify(callbacks []func(string), changed []string) {
	for _, name := range changed {
		for _, cb := range callbacks {
			cb(name)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// diffSnapshots lists pipeline names whose stored text changed between two
// snapshots, plus both defaults when the default moved.
func diffSnapshots(oldRaw, newRaw map[string]string, oldDefault, newDefault string) []string {
	set := map[string]bool{}
	for name, text := range newRaw {
		if old, ok := oldRaw[name]; !ok || old != text {
			set[name] = true
		}
	}
	for name := range oldRaw {
		if _, ok := newRaw[name]; !ok {
			set[name] = true
		}
	}
	if oldDefault != newDefault {
		if oldDefault != "" {
			set[oldDefault] = true
		}
		if newDefault != "" {
			set[newDefault] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// firstName returns the lexicographically first key, or "" for an empty map.
func firstName(pipelines map[string]yaml.Node) string {
	first := ""
	for name := range pipelines {
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func marshalNode(node *yaml.Node) (string, error) {
	data, err := yaml.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
