// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package milvus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fathomsearch/fathom/services/retrieval/config"
)

const (
	// maxIdle is the freshness threshold: a handle idle longer than this is
	// re-dialed instead of probed, since gRPC keepalives on long-idle
	// connections are not trusted across NAT and LB timeouts.
	maxIdle = 10 * time.Minute

	probeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// =============================================================================
// Connection Pool
// =============================================================================

// Pool caches one Milvus connection per distinct
// (host, port, user, password, database) binding. Pipelines pointing at the
// same server share a handle regardless of collection, and the pool outlives
// configuration reloads.
//
// Description:
//
//	Acquire returns a health-checked handle, dialing on first use and
//	replacing handles that went stale or failed the liveness probe. It never
//	returns an error: an unreachable server yields (nil, false) and the
//	caller degrades. Handles are shared, not checked out; the SDK client is
//	safe for concurrent use, so concurrent acquires of the same binding
//	receive the same Conn.
//
// Thread Safety: Pool is safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	dial   dialFn

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	closed  bool
}

// poolKey is the full binding identity. The password participates so a
// credential rotation dials a fresh, re-authenticated handle instead of
// reusing a session opened with the old secret.
type poolKey struct {
	address  string
	user     string
	password string
	database string
}

func keyFor(binding config.MilvusBinding) poolKey {
	return poolKey{
		address:  binding.Address(),
		user:     binding.User,
		password: binding.Password,
		database: binding.Database,
	}
}

type poolEntry struct {
	conn     Conn
	name     string // log-safe identity, never carries the password
	lastUsed time.Time
}

// NewPool builds an empty pool. A nil logger uses slog.Default.
func NewPool(logger *slog.Logger) *Pool {
	return newPool(logger, dialMilvus)
}

func newPool(logger *slog.Logger, dial dialFn) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:  logger,
		dial:    dial,
		entries: make(map[poolKey]*poolEntry),
	}
}

// Len reports the number of open handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns a healthy handle for the binding, dialing if necessary.
//
// Inputs:
//   - ctx: Bounds the liveness probe and any dial this acquire triggers.
//   - binding: The server identity; the collection field is ignored here.
//
// Outputs:
//   - Conn: The shared handle, valid until CloseAll.
//   - bool: False when no healthy connection could be produced. The pool
//     never returns an error; unavailability is a degradation signal, not a
//     failure.
func (p *Pool) Acquire(ctx context.Context, binding config.MilvusBinding) (Conn, bool) {
	key := keyFor(binding)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false
	}
	ent := p.entries[key]
	var lastUsed time.Time
	if ent != nil {
		lastUsed = ent.lastUsed
	}
	p.mu.Unlock()

	if ent != nil {
		reason := p.checkHealth(ctx, ent.conn, lastUsed)
		if reason == "" {
			p.touch(key, ent)
			return ent.conn, true
		}
		p.evict(key, ent, reason)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := p.dial(dctx, clientConfig(binding))
	if err != nil {
		p.logger.Warn("Milvus connection failed",
			slog.String("pool", binding.PoolKey()),
			slog.Any("error", err))
		return nil, false
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, false
	}
	if cur := p.entries[key]; cur != nil {
		// Lost the dial race; keep the handle the other caller installed.
		p.mu.Unlock()
		_ = conn.Close()
		return cur.conn, true
	}
	p.entries[key] = &poolEntry{conn: conn, name: binding.PoolKey(), lastUsed: time.Now()}
	p.mu.Unlock()

	poolCreatesTotal.Inc()
	poolOpenHandles.Inc()
	p.logger.Info("Milvus connection established", slog.String("pool", binding.PoolKey()))
	return conn, true
}

// checkHealth returns an empty string for a healthy handle, or the eviction
// reason. The probe is a cheap server round-trip; a handle that answers it
// is connected and authenticated.
func (p *Pool) checkHealth(ctx context.Context, conn Conn, lastUsed time.Time) string {
	if time.Since(lastUsed) > maxIdle {
		return "idle"
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := conn.ListCollections(pctx); err != nil {
		return "probe_failed"
	}
	return ""
}

// touch refreshes the entry's last-used time if it is still installed.
func (p *Pool) touch(key poolKey, ent *poolEntry) {
	p.mu.Lock()
	if p.entries[key] == ent {
		ent.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// evict removes the entry if it is still installed and closes its handle.
func (p *Pool) evict(key poolKey, ent *poolEntry, reason string) {
	p.mu.Lock()
	evicted := p.entries[key] == ent
	if evicted {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !evicted {
		return
	}

	poolEvictionsTotal.WithLabelValues(reason).Inc()
	poolOpenHandles.Dec()
	p.logger.Info("Milvus connection evicted",
		slog.String("pool", ent.name),
		slog.String("reason", reason))
	if err := ent.conn.Close(); err != nil {
		p.logger.Warn("Closing evicted Milvus connection failed",
			slog.String("pool", ent.name),
			slog.Any("error", err))
	}
}

// CloseAll closes every handle and marks the pool closed; later acquires
// return (nil, false). Called once on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[poolKey]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	for _, ent := range entries {
		poolOpenHandles.Dec()
		if err := ent.conn.Close(); err != nil {
			p.logger.Warn("Closing Milvus connection failed",
				slog.String("pool", ent.name),
				slog.Any("error", err))
		}
	}
	if len(entries) > 0 {
		p.logger.Info("Milvus connection pool closed", slog.Int("handles", len(entries)))
	}
}
