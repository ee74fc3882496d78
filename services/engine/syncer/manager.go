// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package syncer reconciles author edits against the search index and
// the knowledge graph, and schedules when that reconciliation runs.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/storyloom/storyloom/services/engine/extract"
	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

var syncTracer = otel.Tracer("storyloom.engine.syncer")

// similarityThreshold separates cosmetic edits from ones worth a graph
// extraction pass.
const similarityThreshold = 0.95

// SyncResult is the outcome of one reconciliation.
type SyncResult struct {
	Success          bool          `json:"success"`
	VectorUpdated    bool          `json:"vector_updated"`
	GraphUpdated     bool          `json:"graph_updated"`
	NewEntities      []kg.Entity   `json:"new_entities"`
	NewRelations     []kg.Relation `json:"new_relations"`
	RemovedEntities  []string      `json:"removed_entities"`
	RemovedRelations []string      `json:"removed_relations"`
	Warnings         []string      `json:"warnings"`
}

// NodeUpdate is one (old, new) edit pair for batch reconciliation. Old
// is nil for freshly created nodes.
type NodeUpdate struct {
	Old *story.Node
	New story.Node
}

type graphDiff struct {
	newEntities      []kg.Entity
	newRelations     []kg.Relation
	removedEntities  []string
	removedRelations []string
}

// Manager reconciles a single edit against the index and the graph.
// The graph argument of each method is mutated in place on commit; the
// caller owns persistence.
type Manager struct {
	indexer   *index.NodeIndexer
	extractor *extract.Extractor
	logger    *slog.Logger
}

// NewManager creates a reconciliation manager.
func NewManager(indexer *index.NodeIndexer, extractor *extract.Extractor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{indexer: indexer, extractor: extractor, logger: logger}
}

// SyncNodeUpdate re-indexes the node, then updates the graph unless the
// edit is textually insignificant (similarity above the threshold).
func (m *Manager) SyncNodeUpdate(ctx context.Context, projectID string, oldNode *story.Node, newNode *story.Node, graph *kg.Graph) (*SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "SyncNodeUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID), attribute.String("node_id", newNode.ID))

	result := &SyncResult{Success: true}

	if err := m.indexer.IndexNode(ctx, projectID, newNode); err != nil {
		return nil, fmt.Errorf("index node %s: %w", newNode.ID, err)
	}
	result.VectorUpdated = true

	if oldNode != nil {
		ratio := similarity(oldNode.Text(), newNode.Text())
		if ratio > similarityThreshold {
			m.logger.Debug("edit below significance threshold, skipping graph update",
				"node_id", newNode.ID, "similarity", ratio)
			return result, nil
		}
	}

	updated, err := m.extractor.IncrementalUpdate(ctx, projectID, newNode, graph)
	if err != nil {
		return nil, err
	}

	// Entities whose literal mention vanished from the text count as
	// removed even when extraction itself found nothing.
	var vanished []string
	if oldNode != nil {
		oldMentions := entityMentions(oldNode.Content, graph)
		newMentions := entityMentions(newNode.Content, graph)
		for i := range graph.Entities {
			id := graph.Entities[i].ID
			if _, was := oldMentions[id]; !was {
				continue
			}
			if _, still := newMentions[id]; !still {
				vanished = append(vanished, id)
			}
		}
	}

	diff := diffGraphs(graph, updated)
	for _, id := range vanished {
		if !containsString(diff.removedEntities, id) {
			diff.removedEntities = append(diff.removedEntities, id)
		}
	}

	result.NewEntities = diff.newEntities
	result.NewRelations = diff.newRelations
	result.RemovedEntities = diff.removedEntities
	result.RemovedRelations = diff.removedRelations
	result.GraphUpdated = true
	commitGraph(graph, updated)
	return result, nil
}

// SyncNodeCreate reconciles a newly created node.
func (m *Manager) SyncNodeCreate(ctx context.Context, projectID string, newNode *story.Node, graph *kg.Graph) (*SyncResult, error) {
	return m.SyncNodeUpdate(ctx, projectID, nil, newNode, graph)
}

// SyncNodeDelete de-indexes the node and strips its id from every
// source_refs list; entities and relations left without any reference
// are removed from the graph.
func (m *Manager) SyncNodeDelete(ctx context.Context, projectID, nodeID string, graph *kg.Graph) (*SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "SyncNodeDelete")
	defer span.End()

	result := &SyncResult{Success: true}

	if err := m.indexer.RemoveNode(ctx, projectID, nodeID); err != nil {
		return nil, fmt.Errorf("deindex node %s: %w", nodeID, err)
	}
	result.VectorUpdated = true

	kept := graph.Entities[:0]
	for i := range graph.Entities {
		entity := graph.Entities[i]
		entity.SourceRefs = removeString(entity.SourceRefs, nodeID)
		if len(entity.SourceRefs) == 0 {
			result.RemovedEntities = append(result.RemovedEntities, entity.ID)
			continue
		}
		kept = append(kept, entity)
	}
	graph.Entities = kept

	keptRelations := graph.Relations[:0]
	for i := range graph.Relations {
		relation := graph.Relations[i]
		relation.SourceRefs = removeString(relation.SourceRefs, nodeID)
		if len(relation.SourceRefs) == 0 {
			result.RemovedRelations = append(result.RemovedRelations, relation.ID)
			continue
		}
		keptRelations = append(keptRelations, relation)
	}
	graph.Relations = keptRelations

	result.GraphUpdated = true
	return result, nil
}

// SyncBatchUpdates reconciles a list of edits, threading the graph
// through the significant ones sequentially so each diff is computed
// against the preceding intermediate state.
func (m *Manager) SyncBatchUpdates(ctx context.Context, projectID string, updates []NodeUpdate, graph *kg.Graph) (*SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "SyncBatchUpdates")
	defer span.End()

	result := &SyncResult{Success: true}

	var significant []story.Node
	for i := range updates {
		update := &updates[i]
		if err := m.indexer.IndexNode(ctx, projectID, &update.New); err != nil {
			return nil, fmt.Errorf("index node %s: %w", update.New.ID, err)
		}
		result.VectorUpdated = true

		if update.Old == nil || similarity(update.Old.Text(), update.New.Text()) <= similarityThreshold {
			significant = append(significant, update.New)
		}
	}
	if len(significant) == 0 {
		return result, nil
	}

	working := graph
	for i := range significant {
		updated, err := m.extractor.IncrementalUpdate(ctx, projectID, &significant[i], working)
		if err != nil {
			return nil, err
		}
		diff := diffGraphs(working, updated)
		result.NewEntities = append(result.NewEntities, diff.newEntities...)
		result.NewRelations = append(result.NewRelations, diff.newRelations...)
		working = updated
	}

	result.GraphUpdated = true
	commitGraph(graph, working)
	return result, nil
}

// FullReindex rebuilds the search index and the entire graph from the
// project's current nodes, returning the fresh graph for persistence.
func (m *Manager) FullReindex(ctx context.Context, project *story.Project) (*SyncResult, *kg.Graph, error) {
	ctx, span := syncTracer.Start(ctx, "FullReindex")
	defer span.End()

	result := &SyncResult{Success: true}

	if err := m.indexer.ClearProject(ctx, project.ID); err != nil {
		return nil, nil, err
	}
	indexed, err := m.indexer.IndexProject(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	result.VectorUpdated = indexed > 0

	rebuilt, err := m.extractor.BuildFullGraph(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	result.NewEntities = rebuilt.Entities
	result.NewRelations = rebuilt.Relations
	result.GraphUpdated = true
	return result, rebuilt, nil
}

// similarity is the sequence-match ratio between two texts, per rune.
func similarity(oldText, newText string) float64 {
	return difflib.NewMatcher(splitRunes(oldText), splitRunes(newText)).Ratio()
}

func splitRunes(text string) []string {
	runes := []rune(text)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	return parts
}

// entityMentions returns ids of entities whose name or alias occurs in
// the text, case-insensitively, in graph order.
func entityMentions(text string, graph *kg.Graph) map[string]struct{} {
	lowered := strings.ToLower(text)
	mentioned := make(map[string]struct{})
	for i := range graph.Entities {
		entity := &graph.Entities[i]
		if entity.Name != "" && strings.Contains(lowered, strings.ToLower(entity.Name)) {
			mentioned[entity.ID] = struct{}{}
			continue
		}
		for _, alias := range entity.Aliases {
			if alias != "" && strings.Contains(lowered, strings.ToLower(alias)) {
				mentioned[entity.ID] = struct{}{}
				break
			}
		}
	}
	return mentioned
}

func diffGraphs(before, after *kg.Graph) graphDiff {
	beforeEntities := make(map[string]struct{}, len(before.Entities))
	for i := range before.Entities {
		beforeEntities[before.Entities[i].ID] = struct{}{}
	}
	afterEntities := make(map[string]struct{}, len(after.Entities))
	for i := range after.Entities {
		afterEntities[after.Entities[i].ID] = struct{}{}
	}
	beforeRelations := make(map[string]struct{}, len(before.Relations))
	for i := range before.Relations {
		beforeRelations[before.Relations[i].ID] = struct{}{}
	}
	afterRelations := make(map[string]struct{}, len(after.Relations))
	for i := range after.Relations {
		afterRelations[after.Relations[i].ID] = struct{}{}
	}

	var diff graphDiff
	for i := range after.Entities {
		if _, ok := beforeEntities[after.Entities[i].ID]; !ok {
			diff.newEntities = append(diff.newEntities, after.Entities[i])
		}
	}
	for i := range after.Relations {
		if _, ok := beforeRelations[after.Relations[i].ID]; !ok {
			diff.newRelations = append(diff.newRelations, after.Relations[i])
		}
	}
	for i := range before.Entities {
		if _, ok := afterEntities[before.Entities[i].ID]; !ok {
			diff.removedEntities = append(diff.removedEntities, before.Entities[i].ID)
		}
	}
	for i := range before.Relations {
		if _, ok := afterRelations[before.Relations[i].ID]; !ok {
			diff.removedRelations = append(diff.removedRelations, before.Relations[i].ID)
		}
	}
	return diff
}

func commitGraph(dst, src *kg.Graph) {
	dst.Entities = src.Entities
	dst.Relations = src.Relations
	dst.LastUpdated = src.LastUpdated
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
