// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package project persists story projects in Badger, one JSON value per
// project.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/storyloom/storyloom/services/engine/story"
)

// ErrNotFound reports an unknown project id.
var ErrNotFound = errors.New("project not found")

const projectKeyPrefix = "project:"

// Summary is the listing view of a project.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	NodeCount int       `json:"node_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the Badger-backed project store. Safe for concurrent use.
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

func projectKey(projectID string) []byte {
	return []byte(projectKeyPrefix + projectID)
}

// Create stores a new project. Creating an existing id fails.
func (s *Store) Create(ctx context.Context, project *story.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := project.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshal project %s: %w", project.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(projectKey(project.ID))
		if err == nil {
			return fmt.Errorf("project %s already exists", project.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(projectKey(project.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("create project %s: %w", project.ID, err)
	}

	s.logger.Info("project created", "project_id", project.ID, "title", project.Title)
	return nil
}

// Get returns the project or ErrNotFound.
func (s *Store) Get(ctx context.Context, projectID string) (*story.Project, error) {
	project, err := s.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	return project, nil
}

// Find returns the project, or (nil, nil) when absent. Search paths use
// this to treat missing projects as empty rather than failed.
func (s *Store) Find(ctx context.Context, projectID string) (*story.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var project *story.Project
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(projectKey(projectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			project = &story.Project{}
			return json.Unmarshal(val, project)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return project, nil
}

// Update overwrites an existing project. Unknown ids yield ErrNotFound.
func (s *Store) Update(ctx context.Context, project *story.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := project.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("marshal project %s: %w", project.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(projectKey(project.ID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, project.ID)
		} else if err != nil {
			return err
		}
		return txn.Set(projectKey(project.ID), payload)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("update project %s: %w", project.ID, err)
	}
	return nil
}

// Delete removes the project. Unknown ids yield ErrNotFound.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(projectKey(projectID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, projectID)
		} else if err != nil {
			return err
		}
		return txn.Delete(projectKey(projectID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	return nil
}

// List returns summaries of all projects, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var projects []*story.Project
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(projectKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				project := &story.Project{}
				if err := json.Unmarshal(val, project); err != nil {
					return err
				}
				projects = append(projects, project)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})

	summaries := make([]Summary, len(projects))
	for i, project := range projects {
		summaries[i] = Summary{
			ID:        project.ID,
			Title:     project.Title,
			NodeCount: len(project.Nodes),
			UpdatedAt: project.UpdatedAt,
		}
	}
	return summaries, nil
}
