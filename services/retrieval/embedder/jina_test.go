// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// vectorServer answers every embed request with a single one-component
// vector, so tests can tell endpoints apart by the value that comes back.
func vectorServer(t *testing.T, component float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"embeddings": [[%g]]}`, component)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJinaRoutesByModelLanguage(t *testing.T) {
	en := vectorServer(t, 1)
	zh := vectorServer(t, 2)
	generic := vectorServer(t, 3)

	t.Setenv("JINA_API_URL_EN", en.URL)
	t.Setenv("JINA_API_URL_ZH", zh.URL)
	t.Setenv("JINA_API_URL", generic.URL)

	cases := []struct {
		model string
		want  float32
	}{
		{"jina-embeddings-v2-base-en", 1},
		{"jina-embeddings-v2-base-zh", 2},
		{"jina-embeddings-v3", 3},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			emb, err := New("jina:"+tc.model, testLogger())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			vecs, err := emb.Embed(context.Background(), []string{"hello"})
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if len(vecs) != 1 || len(vecs[0]) != 1 || vecs[0][0] != tc.want {
				t.Errorf("vecs = %v, want [[%g]]", vecs, tc.want)
			}
		})
	}
}

func TestJinaFallsBackToGenericEndpoint(t *testing.T) {
	generic := vectorServer(t, 7)
	t.Setenv("JINA_API_URL_EN", "")
	t.Setenv("JINA_API_URL", generic.URL)

	emb, err := New("jina:jina-embeddings-v2-base-en", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := emb.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 7 {
		t.Errorf("vector came from the wrong endpoint: %v", vecs)
	}
}
