// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/storyloom/storyloom/services/engine/search"
)

// Memory is an in-memory Store for tests and offline operation. Instead
// of embeddings it scores documents by token overlap with the query, so
// relevance ordering is deterministic. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Document)}
}

// Add upserts documents into the collection.
func (m *Memory) Add(_ context.Context, collection string, docs []Document) error {
	if err := validateDocs(docs); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.collections[collection]
	if bucket == nil {
		bucket = make(map[string]Document)
		m.collections[collection] = bucket
	}
	for _, doc := range docs {
		bucket[doc.ID] = doc
	}
	return nil
}

// Search scores documents by the fraction of query tokens they contain
// and returns up to topK non-zero hits, best first. Ties break by id so
// ordering stays stable across runs.
func (m *Memory) Search(_ context.Context, collection, query string, topK int, filter Filter) ([]Result, error) {
	queryTokens := search.Tokenize(query)
	if len(queryTokens) == 0 || topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	for _, doc := range m.collections[collection] {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		overlap := search.KeywordScore(queryTokens, doc.Content)
		if overlap == 0 {
			continue
		}
		results = append(results, Result{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Score:    float64(overlap) / float64(len(queryTokens)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteByIDs removes the given ids. Unknown ids are ignored.
func (m *Memory) DeleteByIDs(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.collections[collection]
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

// DeleteByFilter removes every document whose metadata matches the filter.
func (m *Memory) DeleteByFilter(_ context.Context, collection string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.collections[collection]
	for id, doc := range bucket {
		if matchesFilter(doc.Metadata, filter) {
			delete(bucket, id)
		}
	}
	return nil
}

// Len returns the number of documents in the collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func matchesFilter(metadata map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
