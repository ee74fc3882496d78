// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

var extractTracer = otel.Tracer("storyloom.engine.extract")

// Extractor drives the oracle across story nodes and keeps the results
// tied back to their sources. It never deduplicates: sync and manual
// merge own that concern.
type Extractor struct {
	oracle Oracle
	logger *slog.Logger
}

// NewExtractor creates an Extractor on the given oracle.
func NewExtractor(oracle Oracle, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{oracle: oracle, logger: logger}
}

// ExtractFromNode extracts from the node's title and content, stamping
// the node id into every returned entity's and relation's source refs.
func (e *Extractor) ExtractFromNode(ctx context.Context, node *story.Node, existing *kg.Graph) (Result, error) {
	ctx, span := extractTracer.Start(ctx, "ExtractFromNode")
	defer span.End()

	text := strings.TrimSpace(node.Title + "\n" + node.Content)
	result, err := e.oracle.Extract(ctx, text, existing)
	if err != nil {
		return Result{}, err
	}

	for i := range result.NewEntities {
		result.NewEntities[i].SourceRefs = appendRef(result.NewEntities[i].SourceRefs, node.ID)
	}
	for i := range result.NewRelations {
		result.NewRelations[i].SourceRefs = appendRef(result.NewRelations[i].SourceRefs, node.ID)
	}
	return result, nil
}

// BuildFullGraph extracts the whole project from scratch, feeding each
// node the graph accumulated so far so the oracle can reuse entity ids.
// The returned graph's LastUpdated mirrors the project's UpdatedAt.
func (e *Extractor) BuildFullGraph(ctx context.Context, project *story.Project) (*kg.Graph, error) {
	ctx, span := extractTracer.Start(ctx, "BuildFullGraph")
	defer span.End()

	graph := kg.NewGraph(project.ID)
	graph.LastUpdated = project.UpdatedAt

	for i := range project.Nodes {
		result, err := e.ExtractFromNode(ctx, &project.Nodes[i], graph)
		if err != nil {
			return nil, err
		}
		graph.Entities = append(graph.Entities, result.NewEntities...)
		graph.Relations = append(graph.Relations, result.NewRelations...)
	}

	graph.LastUpdated = project.UpdatedAt
	e.logger.Info("full graph built",
		"project_id", project.ID,
		"nodes", len(project.Nodes),
		"entities", len(graph.Entities),
		"relations", len(graph.Relations))
	return graph, nil
}

// IncrementalUpdate extracts the modified node against a copy of the
// current graph and returns the copy with the additions appended and a
// fresh LastUpdated. The input graph is not modified.
func (e *Extractor) IncrementalUpdate(ctx context.Context, projectID string, node *story.Node, current *kg.Graph) (*kg.Graph, error) {
	ctx, span := extractTracer.Start(ctx, "IncrementalUpdate")
	defer span.End()

	updated := current.Clone()
	updated.ProjectID = projectID

	result, err := e.ExtractFromNode(ctx, node, updated)
	if err != nil {
		return nil, err
	}
	updated.Entities = append(updated.Entities, result.NewEntities...)
	updated.Relations = append(updated.Relations, result.NewRelations...)
	updated.LastUpdated = time.Now().UTC()
	return updated, nil
}

func appendRef(refs []string, nodeID string) []string {
	for _, ref := range refs {
		if ref == nodeID {
			return refs
		}
	}
	return append(refs, nodeID)
}
