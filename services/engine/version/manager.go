// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package version

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/project"
	"github.com/storyloom/storyloom/services/engine/story"
)

var versionTracer = otel.Tracer("storyloom.engine.version")

// Manager owns snapshot lifecycle: creation, retention, diffing,
// restore, and the automatic triggers.
type Manager struct {
	storage   *Storage
	config    Config
	knowledge *index.KnowledgeManager
	projects  *project.Store
	graphs    *kg.Store
	logger    *slog.Logger
}

// NewManager creates a version manager. projects and graphs are only
// needed for the automatic snapshot paths and may be nil otherwise.
func NewManager(storage *Storage, config Config, knowledge *index.KnowledgeManager, projects *project.Store, graphs *kg.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage:   storage,
		config:    config,
		knowledge: knowledge,
		projects:  projects,
		graphs:    graphs,
		logger:    logger,
	}
}

// CreateSnapshot captures the project, graph, and knowledge documents
// as the next version, then prunes auto snapshots beyond the cap.
func (m *Manager) CreateSnapshot(ctx context.Context, proj *story.Project, graph *kg.Graph, kind Kind, name, description string) (*Snapshot, error) {
	ctx, span := versionTracer.Start(ctx, "CreateSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", proj.ID), attribute.String("kind", string(kind)))

	latest, err := m.latestVersion(ctx, proj.ID)
	if err != nil {
		return nil, err
	}

	var documents []index.Document
	if m.knowledge != nil {
		base, err := m.knowledge.KnowledgeBase(ctx, proj.ID)
		if err != nil {
			return nil, err
		}
		documents = base.Documents
	}

	snapshot := &Snapshot{
		Version:     latest + 1,
		Kind:        kind,
		Name:        name,
		Description: description,
		Project:     proj.Clone(),
		Graph:       graph.Clone(),
		Documents:   documents,
		NodeCount:   len(proj.Nodes),
		EntityCount: len(graph.Entities),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.storage.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := m.pruneAutoSnapshots(ctx, proj.ID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (m *Manager) latestVersion(ctx context.Context, projectID string) (int, error) {
	records, err := m.storage.ListSnapshots(ctx, projectID)
	if err != nil {
		return 0, err
	}
	latest := 0
	for i := range records {
		if records[i].Version > latest {
			latest = records[i].Version
		}
	}
	return latest, nil
}

// pruneAutoSnapshots deletes the oldest AUTO snapshots beyond the cap.
// Other kinds never count against it and are never pruned.
func (m *Manager) pruneAutoSnapshots(ctx context.Context, projectID string) error {
	records, err := m.storage.ListSnapshots(ctx, projectID)
	if err != nil {
		return err
	}

	var autos []Record
	for i := range records {
		if records[i].Kind == KindAuto {
			autos = append(autos, records[i])
		}
	}
	excess := len(autos) - m.config.MaxAutoSnapshots
	if excess <= 0 {
		return nil
	}

	// ListSnapshots is newest first; prune from the tail.
	for i := len(autos) - 1; i >= len(autos)-excess; i-- {
		if err := m.storage.DeleteSnapshot(ctx, projectID, autos[i].Version); err != nil {
			return err
		}
	}
	return nil
}

// RestoreSnapshot returns the stored triple. Reinstating the search
// index from it is the caller's job; restore bypasses incremental sync.
func (m *Manager) RestoreSnapshot(ctx context.Context, projectID string, v int) (*story.Project, *kg.Graph, []index.Document, error) {
	snapshot, err := m.storage.LoadSnapshot(ctx, projectID, v)
	if err != nil {
		return nil, nil, nil, err
	}
	return snapshot.Project, snapshot.Graph, snapshot.Documents, nil
}

// CompareVersions diffs two snapshots by id sets, flagging common nodes
// whose content changed, plus a one-directional word-count delta.
func (m *Manager) CompareVersions(ctx context.Context, projectID string, fromV, toV int) (*Diff, error) {
	before, err := m.storage.LoadSnapshot(ctx, projectID, fromV)
	if err != nil {
		return nil, err
	}
	after, err := m.storage.LoadSnapshot(ctx, projectID, toV)
	if err != nil {
		return nil, err
	}

	diff := &Diff{}

	beforeNodes := make(map[string]*story.Node, len(before.Project.Nodes))
	for i := range before.Project.Nodes {
		beforeNodes[before.Project.Nodes[i].ID] = &before.Project.Nodes[i]
	}
	afterNodes := make(map[string]struct{}, len(after.Project.Nodes))
	for i := range after.Project.Nodes {
		node := &after.Project.Nodes[i]
		afterNodes[node.ID] = struct{}{}
		old, ok := beforeNodes[node.ID]
		switch {
		case !ok:
			diff.NodesAdded = append(diff.NodesAdded, node.ID)
		case !reflect.DeepEqual(old, node):
			diff.NodesModified = append(diff.NodesModified, node.ID)
		}
	}
	for i := range before.Project.Nodes {
		if _, ok := afterNodes[before.Project.Nodes[i].ID]; !ok {
			diff.NodesDeleted = append(diff.NodesDeleted, before.Project.Nodes[i].ID)
		}
	}

	diff.EntitiesAdded, diff.EntitiesDeleted = diffIDs(entityIDs(before.Graph), entityIDs(after.Graph))
	diff.RelationsAdded, diff.RelationsDeleted = diffIDs(relationIDs(before.Graph), relationIDs(after.Graph))

	beforeWords := before.Project.WordCount()
	afterWords := after.Project.WordCount()
	if afterWords >= beforeWords {
		diff.WordsAdded = afterWords - beforeWords
	} else {
		diff.WordsRemoved = beforeWords - afterWords
	}
	return diff, nil
}

func entityIDs(graph *kg.Graph) []string {
	ids := make([]string, len(graph.Entities))
	for i := range graph.Entities {
		ids[i] = graph.Entities[i].ID
	}
	return ids
}

func relationIDs(graph *kg.Graph) []string {
	ids := make([]string, len(graph.Relations))
	for i := range graph.Relations {
		ids[i] = graph.Relations[i].ID
	}
	return ids
}

func diffIDs(before, after []string) (added, deleted []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, id := range before {
		beforeSet[id] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		afterSet[id] = struct{}{}
	}
	for _, id := range after {
		if _, ok := beforeSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if _, ok := afterSet[id]; !ok {
			deleted = append(deleted, id)
		}
	}
	return added, deleted
}

// ListVersions returns the listing rows enriched with word deltas
// against the preceding version. A snapshot whose payload cannot be
// loaded lists with a zero delta rather than failing the whole call.
func (m *Manager) ListVersions(ctx context.Context, projectID string) ([]VersionInfo, error) {
	records, err := m.storage.ListSnapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	words := make(map[int]int, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		record := &records[i]
		snapshot, err := m.storage.LoadSnapshot(ctx, projectID, record.Version)
		if err != nil {
			m.logger.Warn("failed to load snapshot for word delta",
				"project_id", projectID, "version", record.Version, "error", err)
			continue
		}
		words[record.Version] = snapshot.Project.WordCount()
	}

	deltas := make(map[int][2]int, len(records))
	prev := -1
	for i := len(records) - 1; i >= 0; i-- {
		v := records[i].Version
		current, ok := words[v]
		if !ok {
			deltas[v] = [2]int{0, 0}
			continue
		}
		if prev < 0 {
			deltas[v] = [2]int{0, 0}
		} else {
			change := current - prev
			if change >= 0 {
				deltas[v] = [2]int{change, 0}
			} else {
				deltas[v] = [2]int{0, -change}
			}
		}
		prev = current
	}

	infos := make([]VersionInfo, len(records))
	for i := range records {
		delta := deltas[records[i].Version]
		infos[i] = VersionInfo{Record: records[i], WordsAdded: delta[0], WordsRemoved: delta[1]}
	}
	return infos, nil
}

// DeleteVersion removes a snapshot. Milestones can never be deleted.
func (m *Manager) DeleteVersion(ctx context.Context, projectID string, v int) error {
	record, err := m.storage.getRecord(projectID, v)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s v%d", ErrNotFound, projectID, v)
	}
	if record.Kind == KindMilestone {
		return fmt.Errorf("%w: v%d", ErrForbidden, v)
	}
	return m.storage.DeleteSnapshot(ctx, projectID, v)
}

// UpdateMetadata renames or re-describes a snapshot. A milestone keeps
// its kind no matter what is requested.
func (m *Manager) UpdateMetadata(ctx context.Context, projectID string, v int, name, description *string, kind *Kind) (*Snapshot, error) {
	record, err := m.storage.getRecord(projectID, v)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, projectID, v)
	}
	if record.Kind == KindMilestone {
		milestone := KindMilestone
		kind = &milestone
	}
	return m.storage.UpdateMetadata(ctx, projectID, v, name, description, kind)
}

// DeleteProjectData removes every snapshot of a project.
func (m *Manager) DeleteProjectData(ctx context.Context, projectID string) error {
	return m.storage.DeleteProjectData(ctx, projectID)
}

// CreatePreSyncSnapshotIfNeeded snapshots the project before an edit
// whose absolute content-length delta reaches the major-change
// threshold, reporting whether a snapshot was taken.
func (m *Manager) CreatePreSyncSnapshotIfNeeded(ctx context.Context, proj *story.Project, oldNode, newNode *story.Node) (bool, error) {
	if oldNode == nil {
		return false, nil
	}
	change := len([]rune(oldNode.Content)) - len([]rune(newNode.Content))
	if change < 0 {
		change = -change
	}
	if change < m.config.MajorChangeThreshold {
		return false, nil
	}

	graph := kg.NewGraph(proj.ID)
	if m.graphs != nil {
		loaded, err := m.graphs.Load(ctx, proj.ID)
		if err != nil {
			return false, err
		}
		graph = loaded
	}
	if _, err := m.CreateSnapshot(ctx, proj, graph, KindPreSync, "Pre-sync backup", ""); err != nil {
		return false, err
	}
	return true, nil
}

// Run snapshots every project on the configured interval until the
// context ends. A failed cycle is logged and the loop keeps going.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.AutoSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.snapshotAllProjects(ctx); err != nil {
				m.logger.Error("auto snapshot cycle failed", "error", err)
			}
		}
	}
}

func (m *Manager) snapshotAllProjects(ctx context.Context) error {
	if m.projects == nil || m.graphs == nil {
		return nil
	}

	summaries, err := m.projects.List(ctx)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		proj, err := m.projects.Find(ctx, summary.ID)
		if err != nil {
			return err
		}
		if proj == nil {
			continue
		}
		graph, err := m.graphs.Load(ctx, proj.ID)
		if err != nil {
			return err
		}
		if _, err := m.CreateSnapshot(ctx, proj, graph, KindAuto, "", ""); err != nil {
			return err
		}
	}
	return nil
}
