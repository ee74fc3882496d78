// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorstore defines the semantic search backend contract and two
// implementations: a Weaviate adapter for production and an in-memory store
// for tests and offline use. Callers address documents by collection name
// and stable string ids; embedding is the backend's concern.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Collection names used by the engine.
const (
	CollectionStoryNodes     = "story_nodes"
	CollectionWorldKnowledge = "world_knowledge"
)

// ErrBackend wraps failures of the underlying vector database.
var ErrBackend = errors.New("vector backend error")

// Document is a unit of indexed text with flat metadata.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// Result is a search hit. Score is 1 - distance, so higher is closer;
// a hit with no reported distance scores 0.
type Result struct {
	ID       string
	Content  string
	Metadata map[string]any
	Score    float64
}

// Filter is an equality filter over metadata fields. All entries must
// match. Values are compared after string conversion for the in-memory
// store and typed for Weaviate.
type Filter map[string]any

// Store is the semantic search backend contract.
//
// Add upserts documents under their ids. Search returns up to topK hits
// for the query, restricted by the optional filter, best first.
// DeleteByIDs ignores unknown ids. DeleteByFilter removes every document
// matching the filter.
type Store interface {
	Add(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection, query string, topK int, filter Filter) ([]Result, error)
	DeleteByIDs(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error
}

// MetadataString reads a string-typed metadata field, "" if absent.
func MetadataString(metadata map[string]any, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

func validateDocs(docs []Document) error {
	for i := range docs {
		if docs[i].ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
	}
	return nil
}
