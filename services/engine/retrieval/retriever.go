// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/search"
	"github.com/storyloom/storyloom/services/engine/story"
)

var retrievalTracer = otel.Tracer("storyloom.engine.retrieval")

// Fusion limits and weights.
const (
	maxExpansions    = 6
	vectorTopK       = 8
	lexicalTopK      = 6
	keepTopNodes     = 10
	keepTopKnowledge = 10
	expandDepth      = 2

	vectorWeight  = 0.6
	keywordWeight = 0.2
	bm25Weight    = 0.2
)

// Retriever answers retrieval queries against one project's graph,
// node index, and knowledge base. Read-only; safe for concurrent use.
type Retriever struct {
	graph     *kg.Graph
	indexer   *index.NodeIndexer
	knowledge *index.KnowledgeManager
	logger    *slog.Logger
}

// NewRetriever creates a Retriever over the given graph.
func NewRetriever(graph *kg.Graph, indexer *index.NodeIndexer, knowledge *index.KnowledgeManager, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{graph: graph, indexer: indexer, knowledge: knowledge, logger: logger}
}

// RetrieveContext fuses vector, keyword, and BM25 signals over nodes
// and knowledge chunks, expands through the graph, and packs the
// result into maxTokens.
func (r *Retriever) RetrieveContext(ctx context.Context, query, projectID string, maxTokens int) (*Context, error) {
	ctx, span := retrievalTracer.Start(ctx, "RetrieveContext")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.Int("max_tokens", maxTokens),
	)

	expansions := r.expandQuery(query)

	nodes, err := r.fuseNodes(ctx, projectID, expansions)
	if err != nil {
		return nil, err
	}
	snippets, err := r.fuseKnowledge(ctx, projectID, expansions)
	if err != nil {
		return nil, err
	}

	directEntities := r.matchEntities(query)
	directRelations := r.matchRelations(directEntities)
	hopRelations, nearEntities, farEntities := r.expand(directEntities, expandDepth)

	packed := pack(packInput{
		nodes:           nodes,
		knowledge:       snippets,
		directEntities:  directEntities,
		nearEntities:    nearEntities,
		farEntities:     farEntities,
		directRelations: directRelations,
		hopRelations:    hopRelations,
		maxTokens:       maxTokens,
	})

	span.SetAttributes(attribute.Int("token_count", packed.TokenCount))
	return packed, nil
}

// expandQuery builds the deduplicated expansion list: the raw query,
// names and aliases of literally-mentioned entities, and a joined
// string of up to 6 multi-character query tokens. At most 6 entries.
func (r *Retriever) expandQuery(query string) []string {
	seen := make(map[string]struct{})
	var expansions []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || len(expansions) >= maxExpansions {
			return
		}
		if _, ok := seen[q]; ok {
			return
		}
		seen[q] = struct{}{}
		expansions = append(expansions, q)
	}

	add(query)

	queryLower := strings.ToLower(query)
	for i := range r.graph.Entities {
		entity := &r.graph.Entities[i]
		if !entityMentioned(entity, queryLower) {
			continue
		}
		add(entity.Name)
		for _, alias := range entity.Aliases {
			add(alias)
		}
	}

	var longTokens []string
	for _, token := range search.Tokenize(query) {
		if len([]rune(token)) > 1 {
			longTokens = append(longTokens, token)
			if len(longTokens) == 6 {
				break
			}
		}
	}
	if len(longTokens) > 0 {
		add(strings.Join(longTokens, " "))
	}

	return expansions
}

// signals tracks the best score per signal for one candidate.
type signals struct {
	order   int
	vector  float64
	keyword float64
	bm25    float64
}

func (s *signals) observe(signal int, score float64) {
	switch signal {
	case 0:
		if score > s.vector {
			s.vector = score
		}
	case 1:
		if score > s.keyword {
			s.keyword = score
		}
	case 2:
		if score > s.bm25 {
			s.bm25 = score
		}
	}
}

// fuse normalizes each signal by its own maximum and ranks candidates
// by the weighted combination, returning ids of the top keep, ties in
// first-seen order.
func fuse(candidates map[string]*signals, keep int) []string {
	var maxVector, maxKeyword, maxBM25 float64
	for _, s := range candidates {
		if s.vector > maxVector {
			maxVector = s.vector
		}
		if s.keyword > maxKeyword {
			maxKeyword = s.keyword
		}
		if s.bm25 > maxBM25 {
			maxBM25 = s.bm25
		}
	}
	norm := func(score, max float64) float64 {
		if max == 0 {
			return 0
		}
		return score / max
	}

	type ranked struct {
		id       string
		combined float64
		order    int
	}
	list := make([]ranked, 0, len(candidates))
	for id, s := range candidates {
		combined := vectorWeight*norm(s.vector, maxVector) +
			keywordWeight*norm(s.keyword, maxKeyword) +
			bm25Weight*norm(s.bm25, maxBM25)
		list = append(list, ranked{id: id, combined: combined, order: s.order})
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].combined != list[j].combined {
			return list[i].combined > list[j].combined
		}
		return list[i].order < list[j].order
	})
	if len(list) > keep {
		list = list[:keep]
	}

	ids := make([]string, len(list))
	for i, item := range list {
		ids[i] = item.id
	}
	return ids
}

func (r *Retriever) fuseNodes(ctx context.Context, projectID string, expansions []string) ([]story.Node, error) {
	candidates := make(map[string]*signals)
	byID := make(map[string]story.Node)
	track := func(node story.Node, signal int, score float64) {
		s, ok := candidates[node.ID]
		if !ok {
			s = &signals{order: len(candidates)}
			candidates[node.ID] = s
			byID[node.ID] = node
		}
		s.observe(signal, score)
	}

	for _, q := range expansions {
		vectorHits, err := r.indexer.SearchRelated(ctx, projectID, q, "", vectorTopK)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, hit := range vectorHits {
			track(hit.Node, 0, hit.Score)
		}

		keywordHits, err := r.indexer.SearchKeyword(ctx, projectID, q, "", lexicalTopK)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		for _, hit := range keywordHits {
			track(hit.Node, 1, hit.Score)
		}

		bm25Hits, err := r.indexer.SearchBM25(ctx, projectID, q, "", lexicalTopK)
		if err != nil {
			return nil, fmt.Errorf("bm25 search: %w", err)
		}
		for _, hit := range bm25Hits {
			track(hit.Node, 2, hit.Score)
		}
	}

	ids := fuse(candidates, keepTopNodes)
	nodes := make([]story.Node, len(ids))
	for i, id := range ids {
		nodes[i] = byID[id]
	}
	return nodes, nil
}

func (r *Retriever) fuseKnowledge(ctx context.Context, projectID string, expansions []string) ([]string, error) {
	candidates := make(map[string]*signals)
	content := make(map[string]string)
	track := func(id, text string, signal int, score float64) {
		s, ok := candidates[id]
		if !ok {
			s = &signals{order: len(candidates)}
			candidates[id] = s
			content[id] = text
		}
		s.observe(signal, score)
	}

	chunks, err := r.knowledge.Chunks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge chunks: %w", err)
	}
	corpus := make([]string, len(chunks))
	for i := range chunks {
		corpus[i] = chunks[i].Content
	}
	bm25 := search.NewBM25(corpus)

	for _, q := range expansions {
		vectorHits, err := r.knowledge.Search(ctx, projectID, q, nil, vectorTopK)
		if err != nil {
			return nil, fmt.Errorf("knowledge search: %w", err)
		}
		for _, hit := range vectorHits {
			track(hit.ID, hit.Content, 0, hit.Score)
		}

		tokens := search.Tokenize(q)
		type lexicalHit struct {
			idx   int
			score float64
		}
		var keywordHits, bm25Hits []lexicalHit
		for i := range chunks {
			if score := search.KeywordScore(tokens, chunks[i].Content); score > 0 {
				keywordHits = append(keywordHits, lexicalHit{idx: i, score: float64(score)})
			}
			if score := bm25.Score(q, i); score > 0 {
				bm25Hits = append(bm25Hits, lexicalHit{idx: i, score: score})
			}
		}
		sort.SliceStable(keywordHits, func(i, j int) bool { return keywordHits[i].score > keywordHits[j].score })
		sort.SliceStable(bm25Hits, func(i, j int) bool { return bm25Hits[i].score > bm25Hits[j].score })
		if len(keywordHits) > lexicalTopK {
			keywordHits = keywordHits[:lexicalTopK]
		}
		if len(bm25Hits) > lexicalTopK {
			bm25Hits = bm25Hits[:lexicalTopK]
		}
		for _, hit := range keywordHits {
			track(chunks[hit.idx].ID, chunks[hit.idx].Content, 1, hit.score)
		}
		for _, hit := range bm25Hits {
			track(chunks[hit.idx].ID, chunks[hit.idx].Content, 2, hit.score)
		}
	}

	ids := fuse(candidates, keepTopKnowledge)
	snippets := make([]string, len(ids))
	for i, id := range ids {
		snippets[i] = content[id]
	}
	return snippets, nil
}

func entityMentioned(entity *kg.Entity, queryLower string) bool {
	if entity.Name != "" && strings.Contains(queryLower, strings.ToLower(entity.Name)) {
		return true
	}
	for _, alias := range entity.Aliases {
		if alias != "" && strings.Contains(queryLower, strings.ToLower(alias)) {
			return true
		}
	}
	return false
}

// matchEntities finds entities whose name or alias literally occurs in
// the query, case-insensitively.
func (r *Retriever) matchEntities(query string) []kg.Entity {
	queryLower := strings.ToLower(query)
	var matched []kg.Entity
	for i := range r.graph.Entities {
		if entityMentioned(&r.graph.Entities[i], queryLower) {
			matched = append(matched, r.graph.Entities[i])
		}
	}
	return matched
}

// matchRelations returns relations incident to any of the entities.
func (r *Retriever) matchRelations(entities []kg.Entity) []kg.Relation {
	ids := make(map[string]struct{}, len(entities))
	for i := range entities {
		ids[entities[i].ID] = struct{}{}
	}

	var matched []kg.Relation
	for i := range r.graph.Relations {
		relation := &r.graph.Relations[i]
		if _, ok := ids[relation.SourceID]; ok {
			matched = append(matched, *relation)
			continue
		}
		if _, ok := ids[relation.TargetID]; ok {
			matched = append(matched, *relation)
		}
	}
	return matched
}

type adjacency map[string][]*kg.Relation

func (r *Retriever) buildAdjacency() adjacency {
	adj := make(adjacency)
	for i := range r.graph.Relations {
		relation := &r.graph.Relations[i]
		adj[relation.SourceID] = append(adj[relation.SourceID], relation)
		adj[relation.TargetID] = append(adj[relation.TargetID], relation)
	}
	return adj
}

// expand walks breadth-first from the matched entities up to depth,
// returning newly traversed relations plus the entities reached at hop
// one and at deeper hops, excluding the directly matched ones.
func (r *Retriever) expand(matched []kg.Entity, depth int) ([]kg.Relation, []kg.Entity, []kg.Entity) {
	adj := r.buildAdjacency()

	matchedIDs := make(map[string]struct{}, len(matched))
	type frame struct {
		id    string
		level int
	}
	var queue []frame
	for i := range matched {
		matchedIDs[matched[i].ID] = struct{}{}
		queue = append(queue, frame{id: matched[i].ID})
	}
	directRelations := make(map[string]struct{})
	for _, relation := range r.matchRelations(matched) {
		directRelations[relation.ID] = struct{}{}
	}

	visited := make(map[string]struct{}, len(matchedIDs))
	for id := range matchedIDs {
		visited[id] = struct{}{}
	}
	seenRelations := make(map[string]struct{})

	var relations []kg.Relation
	var nearEntities []kg.Entity
	var farEntities []kg.Entity
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.level >= depth {
			continue
		}
		for _, relation := range adj[current.id] {
			if _, direct := directRelations[relation.ID]; !direct {
				if _, seen := seenRelations[relation.ID]; !seen {
					seenRelations[relation.ID] = struct{}{}
					relations = append(relations, *relation)
				}
			}

			nextID := relation.TargetID
			if nextID == current.id {
				nextID = relation.SourceID
			}
			if _, ok := visited[nextID]; ok {
				continue
			}
			visited[nextID] = struct{}{}
			if entity := r.graph.FindEntity(nextID); entity != nil {
				if current.level == 0 {
					nearEntities = append(nearEntities, *entity)
				} else {
					farEntities = append(farEntities, *entity)
				}
			}
			queue = append(queue, frame{id: nextID, level: current.level + 1})
		}
	}
	return relations, nearEntities, farEntities
}

// CharacterContext returns the character's graph neighborhood up to
// depth hops plus appearances and background knowledge. Unknown ids
// fail with kg.ErrNotFound.
func (r *Retriever) CharacterContext(ctx context.Context, characterID string, depth int) (*CharacterContext, error) {
	entity := r.graph.FindEntity(characterID)
	if entity == nil {
		return nil, fmt.Errorf("%w: character %s", kg.ErrNotFound, characterID)
	}

	relations, reached := r.expandFrom(characterID, depth)
	var relatedCharacters []kg.Entity
	for i := range reached {
		if reached[i].Type == kg.EntityCharacter && reached[i].ID != characterID {
			relatedCharacters = append(relatedCharacters, reached[i])
		}
	}

	appearances, err := r.indexer.SearchByCharacter(ctx, r.graph.ProjectID, characterID)
	if err != nil {
		return nil, err
	}
	background, err := r.knowledge.Search(ctx, r.graph.ProjectID, entity.Name, nil, 5)
	if err != nil {
		return nil, err
	}
	snippets := make([]string, len(background))
	for i, hit := range background {
		snippets[i] = hit.Content
	}

	return &CharacterContext{
		Character:           *entity,
		Relations:           relations,
		RelatedCharacters:   relatedCharacters,
		Appearances:         appearances,
		BackgroundKnowledge: snippets,
	}, nil
}

// expandFrom is like expand but rooted at a single entity, keeping
// every traversed relation.
func (r *Retriever) expandFrom(rootID string, depth int) ([]kg.Relation, []kg.Entity) {
	adj := r.buildAdjacency()

	type frame struct {
		id    string
		level int
	}
	queue := []frame{{id: rootID}}
	visited := map[string]struct{}{rootID: {}}
	seenRelations := make(map[string]struct{})

	var relations []kg.Relation
	var entities []kg.Entity
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.level >= depth {
			continue
		}
		for _, relation := range adj[current.id] {
			if _, seen := seenRelations[relation.ID]; !seen {
				seenRelations[relation.ID] = struct{}{}
				relations = append(relations, *relation)
			}
			nextID := relation.TargetID
			if nextID == current.id {
				nextID = relation.SourceID
			}
			if _, ok := visited[nextID]; ok {
				continue
			}
			visited[nextID] = struct{}{}
			if entity := r.graph.FindEntity(nextID); entity != nil {
				entities = append(entities, *entity)
			}
			queue = append(queue, frame{id: nextID, level: current.level + 1})
		}
	}
	return relations, entities
}

// EventContext gathers nodes, knowledge, and graph matches around an
// event description. No token budgeting.
func (r *Retriever) EventContext(ctx context.Context, description string) (*EventContext, error) {
	nodeHits, err := r.indexer.SearchRelated(ctx, r.graph.ProjectID, description, "", 8)
	if err != nil {
		return nil, err
	}
	nodes := make([]story.Node, len(nodeHits))
	for i, hit := range nodeHits {
		nodes[i] = hit.Node
	}

	knowledgeHits, err := r.knowledge.Search(ctx, r.graph.ProjectID, description, nil, 6)
	if err != nil {
		return nil, err
	}
	snippets := make([]string, len(knowledgeHits))
	for i, hit := range knowledgeHits {
		snippets[i] = hit.Content
	}

	entities := r.matchEntities(description)
	relations := r.matchRelations(entities)

	return &EventContext{
		Nodes:               nodes,
		Entities:            entities,
		Relations:           relations,
		BackgroundKnowledge: snippets,
	}, nil
}

// FindPath returns the shortest relation path between two entities
// over the undirected relation graph. Empty when a == b or when no
// path exists.
func (r *Retriever) FindPath(entityA, entityB string) []kg.Relation {
	if entityA == entityB {
		return nil
	}

	adj := r.buildAdjacency()
	type frame struct {
		id   string
		path []kg.Relation
	}
	queue := []frame{{id: entityA}}
	visited := map[string]struct{}{entityA: {}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, relation := range adj[current.id] {
			nextID := relation.TargetID
			if nextID == current.id {
				nextID = relation.SourceID
			}
			if _, ok := visited[nextID]; ok {
				continue
			}
			nextPath := make([]kg.Relation, len(current.path)+1)
			copy(nextPath, current.path)
			nextPath[len(current.path)] = *relation
			if nextID == entityB {
				return nextPath
			}
			visited[nextID] = struct{}{}
			queue = append(queue, frame{id: nextID, path: nextPath})
		}
	}
	return nil
}
