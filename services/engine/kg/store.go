// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// graphKeyPrefix namespaces graph rows inside the shared Badger keyspace.
const graphKeyPrefix = "kg:"

// Store persists one knowledge graph per project as a single JSON value.
// Safe for concurrent use; Badger serializes the transactions.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a Store on an open Badger database.
func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func graphKey(projectID string) []byte {
	return []byte(graphKeyPrefix + projectID)
}

// Load returns the project's graph. A project with no stored graph gets
// an empty graph with a fresh timestamp, not an error.
func (s *Store) Load(ctx context.Context, projectID string) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var graph *Graph
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(graphKey(projectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			graph = NewGraph(projectID)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			graph = &Graph{}
			return json.Unmarshal(val, graph)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", projectID, err)
	}
	return graph, nil
}

// Save stamps the graph's LastUpdated and writes it.
func (s *Store) Save(ctx context.Context, graph *Graph) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	graph.Touch()
	payload, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal graph %s: %w", graph.ProjectID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(graphKey(graph.ProjectID), payload)
	})
	if err != nil {
		return fmt.Errorf("save graph %s: %w", graph.ProjectID, err)
	}

	s.logger.Debug("knowledge graph saved",
		"project_id", graph.ProjectID,
		"entities", len(graph.Entities),
		"relations", len(graph.Relations))
	return nil
}

// Delete removes the project's graph. Deleting a missing graph is a no-op.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(graphKey(projectID))
	})
	if err != nil {
		return fmt.Errorf("delete graph %s: %w", projectID, err)
	}
	return nil
}
