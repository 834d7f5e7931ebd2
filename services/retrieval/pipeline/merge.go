// Copyright (C) 2025 Fathom Search (eng@fathomsearch.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"math"
	"sort"
)

// scoreValue reads a chunk's search distance for ordering. Chunks without a
// score sort after every scored chunk.
func scoreValue(c Chunk) float64 {
	if c.Score == nil {
		return math.Inf(1)
	}
	return float64(*c.Score)
}

// sortAscendingScore orders chunks by ascending score, breaking ties by
// ascending chunk_id so equal inputs always produce equal output orders.
func sortAscendingScore(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		si, sj := scoreValue(chunks[i]), scoreValue(chunks[j])
		if si != sj {
			return si < sj
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}

// mergeAndDedup runs stage 3 of the pipeline over the per-embedder chunk
// lists.
//
// Description:
//
//	Concatenates the lists in configured embedder order (each list first
//	ordered by ascending distance), deduplicates by chunk_id keeping the
//	surfacing with the lowest score (first occurrence wins a tie), then
//	sorts the survivors by ascending score and truncates to limit.
//
// Inputs:
//   - perEmbedder: One chunk list per embedder, in configured order.
//   - limit: Maximum survivors to keep; non-positive means unbounded.
//
// Outputs:
//   - []Chunk: The merged, deduplicated, score-ordered candidate list.
func mergeAndDedup(perEmbedder [][]Chunk, limit int) []Chunk {
	total := 0
	for _, list := range perEmbedder {
		total += len(list)
	}

	merged := make([]Chunk, 0, total)
	for _, list := range perEmbedder {
		ordered := cloneChunks(list)
		sortAscendingScore(ordered)
		merged = append(merged, ordered...)
	}

	seen := make(map[int64]int, len(merged))
	out := make([]Chunk, 0, len(merged))
	for _, c := range merged {
		if at, ok := seen[c.ChunkID]; ok {
			if scoreValue(c) < scoreValue(out[at]) {
				out[at] = c
			}
			continue
		}
		seen[c.ChunkID] = len(out)
		out = append(out, c)
	}

	sortAscendingScore(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// firstN returns a copy of the first n chunks. n past the end returns a copy
// of the whole list; the copy keeps later stages from aliasing trace
// snapshots.
func firstN(chunks []Chunk, n int) []Chunk {
	if n > len(chunks) {
		n = len(chunks)
	}
	if n < 0 {
		n = 0
	}
	out := make([]Chunk, n)
	copy(out, chunks[:n])
	return out
}

// cloneChunks copies a chunk list. The result is never nil so debug traces
// serialize as [] rather than null.
func cloneChunks(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out
}
