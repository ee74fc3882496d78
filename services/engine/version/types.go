// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package version snapshots projects with their graphs and knowledge
// documents, and serves diffs, retention, and restore.
package version

import (
	"errors"
	"time"

	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// ErrNotFound reports an unknown snapshot version.
var ErrNotFound = errors.New("snapshot not found")

// ErrForbidden reports an operation milestone snapshots do not allow.
var ErrForbidden = errors.New("operation forbidden for milestone snapshots")

// Kind classifies why a snapshot was taken.
type Kind string

const (
	KindAuto      Kind = "auto"
	KindManual    Kind = "manual"
	KindMilestone Kind = "milestone"
	KindPreSync   Kind = "pre_sync"
)

// Snapshot is an immutable, versioned capture of a project, its graph,
// and its knowledge documents. Versions increase monotonically per
// project.
type Snapshot struct {
	Version     int              `json:"version"`
	Kind        Kind             `json:"snapshot_type"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Project     *story.Project   `json:"story_project"`
	Graph       *kg.Graph        `json:"knowledge_graph"`
	Documents   []index.Document `json:"world_documents"`
	NodeCount   int              `json:"node_count"`
	EntityCount int              `json:"entity_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Record is the fast-listing index row for one snapshot.
type Record struct {
	ProjectID   string    `json:"project_id"`
	Version     int       `json:"version"`
	Kind        Kind      `json:"snapshot_type"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	NodeCount   int       `json:"node_count"`
	CreatedAt   time.Time `json:"created_at"`
	Path        string    `json:"file_path"`
	Compressed  bool      `json:"is_compressed"`
}

// VersionInfo is a listing row enriched with the word delta against the
// preceding version.
type VersionInfo struct {
	Record
	WordsAdded   int `json:"words_added"`
	WordsRemoved int `json:"words_removed"`
}

// Diff is the set difference between two snapshots. The word delta is
// one-directional: added XOR removed, computed from the net change.
type Diff struct {
	NodesAdded       []string `json:"nodes_added"`
	NodesModified    []string `json:"nodes_modified"`
	NodesDeleted     []string `json:"nodes_deleted"`
	EntitiesAdded    []string `json:"entities_added"`
	EntitiesDeleted  []string `json:"entities_deleted"`
	RelationsAdded   []string `json:"relations_added"`
	RelationsDeleted []string `json:"relations_deleted"`
	WordsAdded       int      `json:"words_added"`
	WordsRemoved     int      `json:"words_removed"`
}

// Config tunes snapshot retention and the automatic triggers.
type Config struct {
	AutoSnapshotInterval time.Duration `json:"auto_snapshot_interval" yaml:"auto_snapshot_interval"`
	MajorChangeThreshold int           `json:"major_change_threshold" yaml:"major_change_threshold"`
	MaxAutoSnapshots     int           `json:"max_auto_snapshots" yaml:"max_auto_snapshots"`
	CompressAfter        time.Duration `json:"compress_after" yaml:"compress_after"`
}

// DefaultConfig returns the stock retention settings.
func DefaultConfig() Config {
	return Config{
		AutoSnapshotInterval: 5 * time.Minute,
		MajorChangeThreshold: 500,
		MaxAutoSnapshots:     50,
		CompressAfter:        30 * 24 * time.Hour,
	}
}
