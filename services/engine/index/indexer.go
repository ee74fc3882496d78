// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package index maintains the searchable views of a project: story
// nodes in the vector store plus lexical search over them, and the
// world-knowledge document base with its chunk index.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/storyloom/storyloom/services/engine/search"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/vectorstore"
)

// ProjectLoader supplies projects to search paths. A missing project is
// (nil, nil), not an error; searches over missing projects are empty.
type ProjectLoader interface {
	Find(ctx context.Context, projectID string) (*story.Project, error)
}

// ScoredNode pairs a node with a search score.
type ScoredNode struct {
	Node  story.Node
	Score float64
}

// NodeIndexer keeps story nodes synchronized into the vector store and
// serves the per-signal node searches the retriever fuses.
type NodeIndexer struct {
	vectors  vectorstore.Store
	projects ProjectLoader
	logger   *slog.Logger
}

// NewNodeIndexer creates a NodeIndexer.
func NewNodeIndexer(vectors vectorstore.Store, projects ProjectLoader, logger *slog.Logger) *NodeIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeIndexer{vectors: vectors, projects: projects, logger: logger}
}

// DocID returns the vector store document id for a node.
func DocID(projectID, nodeID string) string {
	return projectID + ":" + nodeID
}

func nodeDocument(projectID string, node *story.Node) vectorstore.Document {
	return vectorstore.Document{
		ID:      DocID(projectID, node.ID),
		Content: node.Text(),
		Metadata: map[string]any{
			"project_id":     projectID,
			"node_id":        node.ID,
			"timeline_order": node.TimelineOrder,
			"location_tag":   node.LocationTag,
			"characters":     node.Characters,
		},
	}
}

// IndexProject indexes every node of the project, returning the count.
func (x *NodeIndexer) IndexProject(ctx context.Context, project *story.Project) (int, error) {
	if len(project.Nodes) == 0 {
		return 0, nil
	}

	docs := make([]vectorstore.Document, len(project.Nodes))
	for i := range project.Nodes {
		docs[i] = nodeDocument(project.ID, &project.Nodes[i])
	}
	if err := x.vectors.Add(ctx, vectorstore.CollectionStoryNodes, docs); err != nil {
		return 0, fmt.Errorf("index project %s: %w", project.ID, err)
	}
	return len(project.Nodes), nil
}

// IndexNode replaces the node's document in the vector store.
func (x *NodeIndexer) IndexNode(ctx context.Context, projectID string, node *story.Node) error {
	docID := DocID(projectID, node.ID)
	if err := x.vectors.DeleteByIDs(ctx, vectorstore.CollectionStoryNodes, []string{docID}); err != nil {
		return fmt.Errorf("deindex node %s: %w", docID, err)
	}
	if err := x.vectors.Add(ctx, vectorstore.CollectionStoryNodes, []vectorstore.Document{nodeDocument(projectID, node)}); err != nil {
		return fmt.Errorf("index node %s: %w", docID, err)
	}
	return nil
}

// RemoveNode drops the node's document from the vector store.
func (x *NodeIndexer) RemoveNode(ctx context.Context, projectID, nodeID string) error {
	docID := DocID(projectID, nodeID)
	if err := x.vectors.DeleteByIDs(ctx, vectorstore.CollectionStoryNodes, []string{docID}); err != nil {
		return fmt.Errorf("remove node %s: %w", docID, err)
	}
	return nil
}

// ClearProject drops every node document of the project.
func (x *NodeIndexer) ClearProject(ctx context.Context, projectID string) error {
	err := x.vectors.DeleteByFilter(ctx, vectorstore.CollectionStoryNodes,
		vectorstore.Filter{"project_id": projectID})
	if err != nil {
		return fmt.Errorf("clear project %s: %w", projectID, err)
	}
	return nil
}

// SearchRelated finds nodes semantically close to the query, best
// first. Results reference only nodes still present in the project.
func (x *NodeIndexer) SearchRelated(ctx context.Context, projectID, query, excludeNodeID string, topK int) ([]ScoredNode, error) {
	project, err := x.projects.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	results, err := x.vectors.Search(ctx, vectorstore.CollectionStoryNodes, query, topK,
		vectorstore.Filter{"project_id": projectID})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*story.Node, len(project.Nodes))
	for i := range project.Nodes {
		byID[project.Nodes[i].ID] = &project.Nodes[i]
	}

	var scored []ScoredNode
	for _, result := range results {
		nodeID := vectorstore.MetadataString(result.Metadata, "node_id")
		if nodeID == "" || nodeID == excludeNodeID {
			continue
		}
		if node, ok := byID[nodeID]; ok {
			scored = append(scored, ScoredNode{Node: *node.Clone(), Score: result.Score})
		}
	}
	return scored, nil
}

// SearchKeyword scores nodes by distinct query-token overlap with
// title and content, keeping positive scores only.
func (x *NodeIndexer) SearchKeyword(ctx context.Context, projectID, query, excludeNodeID string, topK int) ([]ScoredNode, error) {
	project, err := x.projects.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	tokens := search.Tokenize(query)
	var scored []ScoredNode
	for i := range project.Nodes {
		node := &project.Nodes[i]
		if node.ID == excludeNodeID {
			continue
		}
		score := search.KeywordScore(tokens, node.Title+"\n"+node.Content)
		if score > 0 {
			scored = append(scored, ScoredNode{Node: *node.Clone(), Score: float64(score)})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// SearchBM25 ranks nodes with BM25 over the project corpus, keeping
// positive scores only.
func (x *NodeIndexer) SearchBM25(ctx context.Context, projectID, query, excludeNodeID string, topK int) ([]ScoredNode, error) {
	project, err := x.projects.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	var corpus []string
	var nodes []*story.Node
	for i := range project.Nodes {
		node := &project.Nodes[i]
		if node.ID == excludeNodeID {
			continue
		}
		corpus = append(corpus, node.Title+"\n"+node.Content)
		nodes = append(nodes, node)
	}

	bm25 := search.NewBM25(corpus)
	var scored []ScoredNode
	for i, node := range nodes {
		score := bm25.Score(query, i)
		if score > 0 {
			scored = append(scored, ScoredNode{Node: *node.Clone(), Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// SearchByCharacter returns the nodes that explicitly list the
// character id, in project order.
func (x *NodeIndexer) SearchByCharacter(ctx context.Context, projectID, characterID string) ([]story.Node, error) {
	project, err := x.projects.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	var nodes []story.Node
	for i := range project.Nodes {
		if project.Nodes[i].References(characterID) {
			nodes = append(nodes, *project.Nodes[i].Clone())
		}
	}
	return nodes, nil
}

// SearchByTimelineRange returns nodes whose timeline order falls in
// [start, end], in project order.
func (x *NodeIndexer) SearchByTimelineRange(ctx context.Context, projectID string, start, end float64) ([]story.Node, error) {
	project, err := x.projects.Find(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	var nodes []story.Node
	for i := range project.Nodes {
		order := project.Nodes[i].TimelineOrder
		if start <= order && order <= end {
			nodes = append(nodes, *project.Nodes[i].Clone())
		}
	}
	return nodes, nil
}
