// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package milvus provides the vector-store side of the retrieval pipeline:
// a process-wide connection pool keyed by server binding, and a per-pipeline
// search store that satisfies pipeline.VectorSearcher.
//
// Search failures never fail a retrieval request. The store degrades to
// empty results and logs; only caller cancellation is surfaced as an error.
package milvus

import (
	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/fathomsearch/fathom/services/retrieval/config"
)

// Conn is the slice of the Milvus client surface the pool hands out. The
// production implementation wraps the SDK's gRPC client; tests substitute
// stubs so no Milvus server is needed.
type Conn interface {
	// ListCollections doubles as the pool's liveness probe.
	ListCollections(ctx context.Context) ([]*entity.Collection, error)

	// HasCollection reports whether the named collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// LoadCollection makes the collection searchable. Loading an already
	// loaded collection is a no-op on the server side.
	LoadCollection(ctx context.Context, name string, async bool) error

	// Search runs batched top-K similarity search and returns one result
	// per query vector.
	Search(ctx context.Context, collection string, partitions []string, expr string,
		outputFields []string, vectors []entity.Vector, vectorField string,
		metric entity.MetricType, topK int, params entity.SearchParam) ([]client.SearchResult, error)

	// Close tears down the underlying connection.
	Close() error
}

// dialFn opens one Milvus connection. The pool and the validation probe take
// it as a seam so tests never dial.
type dialFn func(ctx context.Context, cfg client.Config) (Conn, error)

// dialMilvus is the production dialer.
func dialMilvus(ctx context.Context, cfg client.Config) (Conn, error) {
	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &grpcConn{c: c}, nil
}

// grpcConn adapts the SDK client to Conn.
type grpcConn struct {
	c client.Client
}

func (g *grpcConn) ListCollections(ctx context.Context) ([]*entity.Collection, error) {
	return g.c.ListCollections(ctx)
}

func (g *grpcConn) HasCollection(ctx context.Context, name string) (bool, error) {
	return g.c.HasCollection(ctx, name)
}

func (g *grpcConn) LoadCollection(ctx context.Context, name string, async bool) error {
	return g.c.LoadCollection(ctx, name, async)
}

func (g *grpcConn) Search(ctx context.Context, collection string, partitions []string, expr string,
	outputFields []string, vectors []entity.Vector, vectorField string,
	metric entity.MetricType, topK int, params entity.SearchParam) ([]client.SearchResult, error) {
	return g.c.Search(ctx, collection, partitions, expr, outputFields, vectors, vectorField, metric, topK, params)
}

func (g *grpcConn) Close() error { return g.c.Close() }

// clientConfig renders a binding as the SDK dial configuration.
func clientConfig(binding config.MilvusBinding) client.Config {
	return client.Config{
		Address:  binding.Address(),
		Username: binding.User,
		Password: binding.Password,
		DBName:   binding.Database,
	}
}
