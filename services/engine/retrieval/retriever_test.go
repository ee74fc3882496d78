// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/storage/badgerdb"
	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/vectorstore"
)

type mapLoader map[string]*story.Project

func (m mapLoader) Find(_ context.Context, projectID string) (*story.Project, error) {
	return m[projectID], nil
}

// fixtureGraph wires Lin Wei - Mira - Harbor - Guild in a chain, plus
// one isolated entity.
func fixtureGraph() *kg.Graph {
	graph := kg.NewGraph("p1")
	graph.Entities = []kg.Entity{
		{ID: "ch1", Name: "Lin Wei", Type: kg.EntityCharacter, Aliases: []string{"老林"}, Description: "a tired detective", SourceRefs: []string{"n1"}},
		{ID: "ch2", Name: "Mira", Type: kg.EntityCharacter, Description: "guild envoy", SourceRefs: []string{"n2"}},
		{ID: "loc1", Name: "The Harbor", Type: kg.EntityLocation, Description: "fog-bound docks", SourceRefs: []string{"n1"}},
		{ID: "org1", Name: "The Guild", Type: kg.EntityOrganization, SourceRefs: []string{"n2"}},
		{ID: "iso1", Name: "Forgotten Shrine", Type: kg.EntityLocation, SourceRefs: []string{"n3"}},
	}
	graph.Relations = []kg.Relation{
		{ID: "r1", SourceID: "ch1", TargetID: "ch2", Type: kg.RelationFriend, RelationName: "old friends", SourceRefs: []string{"n1"}},
		{ID: "r2", SourceID: "ch2", TargetID: "loc1", Type: kg.RelationLocatedAt, RelationName: "stationed at", SourceRefs: []string{"n2"}},
		{ID: "r3", SourceID: "loc1", TargetID: "org1", Type: kg.RelationBelongsTo, RelationName: "run by", SourceRefs: []string{"n2"}},
	}
	return graph
}

func fixtureProject() *story.Project {
	project := story.NewProject("Mist City", "", nil)
	project.ID = "p1"
	project.Nodes = []story.Node{
		{ID: "n1", Title: "Harbor Vigil", Content: "Lin Wei watches the harbor at night", NarrativeOrder: 1, TimelineOrder: 1, Characters: []string{"ch1"}},
		{ID: "n2", Title: "Guild Meeting", Content: "Mira addresses the guild council", NarrativeOrder: 2, TimelineOrder: 2, Characters: []string{"ch2"}},
		{ID: "n3", Title: "Quiet Morning", Content: "rain on empty streets", NarrativeOrder: 3, TimelineOrder: 3},
	}
	return project
}

func newTestRetriever(t *testing.T) *Retriever {
	t.Helper()
	ctx := context.Background()

	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vectors := vectorstore.NewMemory()
	project := fixtureProject()
	indexer := index.NewNodeIndexer(vectors, mapLoader{"p1": project}, nil)
	_, err = indexer.IndexProject(ctx, project)
	require.NoError(t, err)

	knowledge := index.NewKnowledgeManager(db, vectors, nil, nil)
	_, err = knowledge.AddDocument(ctx, "p1", "Harbor Lore", "general",
		"The harbor district smells of salt.\n\nSmugglers work the piers at night.")
	require.NoError(t, err)

	return NewRetriever(fixtureGraph(), indexer, knowledge, nil)
}

func TestExpandQuery(t *testing.T) {
	r := newTestRetriever(t)

	expansions := r.expandQuery("Lin Wei waits near the harbor")
	// Raw query, then the mentioned entities' names and aliases, then
	// the joined long tokens.
	assert.Equal(t, "Lin Wei waits near the harbor", expansions[0])
	assert.Contains(t, expansions, "Lin Wei")
	assert.Contains(t, expansions, "老林")
	assert.Contains(t, expansions, "The Harbor")
	assert.LessOrEqual(t, len(expansions), maxExpansions)

	seen := make(map[string]int)
	for _, q := range expansions {
		seen[q]++
		assert.Equal(t, 1, seen[q], "expansion %q duplicated", q)
	}
}

func TestExpandQueryJoinsLongTokens(t *testing.T) {
	r := NewRetriever(kg.NewGraph("p1"), nil, nil, nil)

	expansions := r.expandQuery("a storm is coming to the city")
	require.Len(t, expansions, 2)
	// Single-character tokens are dropped from the joined expansion.
	assert.Equal(t, "storm is coming to the city", expansions[1])
}

func TestRetrieveContextFindsRelevantMaterial(t *testing.T) {
	r := newTestRetriever(t)

	result, err := r.RetrieveContext(context.Background(), "Lin Wei harbor night", "p1", 2000)
	require.NoError(t, err)

	require.NotEmpty(t, result.Nodes)
	assert.Equal(t, "n1", result.Nodes[0].ID)

	require.NotEmpty(t, result.Knowledge)
	assert.NotEmpty(t, result.Entities)
	assert.NotEmpty(t, result.Relations)
	assert.Greater(t, result.TokenCount, 0)
	assert.LessOrEqual(t, result.TokenCount, 2000)
}

func TestRetrieveContextHonorsBudget(t *testing.T) {
	r := newTestRetriever(t)

	for _, maxTokens := range []int{1, 3, 10, 50, 500} {
		result, err := r.RetrieveContext(context.Background(), "Lin Wei harbor night", "p1", maxTokens)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.TokenCount, maxTokens, "budget %d", maxTokens)
	}
}

func TestRetrieveContextMissingProject(t *testing.T) {
	r := newTestRetriever(t)

	result, err := r.RetrieveContext(context.Background(), "anything", "ghost", 100)
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.Empty(t, result.Knowledge)
}

func TestMatchEntitiesAndExpansion(t *testing.T) {
	r := newTestRetriever(t)

	direct := r.matchEntities("老林 stands alone")
	require.Len(t, direct, 1)
	assert.Equal(t, "ch1", direct[0].ID)

	relations := r.matchRelations(direct)
	require.Len(t, relations, 1)
	assert.Equal(t, "r1", relations[0].ID)

	hopRelations, near, far := r.expand(direct, 2)
	// Hop one reaches Mira, hop two reaches the Harbor. The directly
	// matched relation is excluded from the expansion's relations.
	require.Len(t, near, 1)
	assert.Equal(t, "ch2", near[0].ID)
	require.Len(t, far, 1)
	assert.Equal(t, "loc1", far[0].ID)
	require.Len(t, hopRelations, 1)
	assert.Equal(t, "r2", hopRelations[0].ID)
}

func TestFuseNormalizesPerSignal(t *testing.T) {
	candidates := map[string]*signals{
		"a": {order: 0, vector: 0.5},
		"b": {order: 1, keyword: 4, bm25: 2},
		"c": {order: 2, vector: 0.1, keyword: 2},
	}

	ids := fuse(candidates, 10)
	// a: 0.6*1.0 = 0.6; b: 0.2*1.0 + 0.2*1.0 = 0.4;
	// c: 0.6*0.2 + 0.2*0.5 = 0.22.
	require.Equal(t, []string{"a", "b", "c"}, ids)

	ids = fuse(candidates, 1)
	assert.Equal(t, []string{"a"}, ids)
}

func TestPackPriorityOrder(t *testing.T) {
	in := packInput{
		nodes:           []story.Node{{ID: "n1", Title: "T", Content: "c"}}, // "T: c" -> 1 token
		directRelations: []kg.Relation{{ID: "r1", RelationName: "knows"}},   // 2 tokens
		directEntities:  []kg.Entity{{ID: "e1", Name: "Ann"}},               // 1 token
		knowledge:       []string{"snippet!"},                               // 2 tokens
		nearEntities:    []kg.Entity{{ID: "e2", Name: "Bob"}},               // 1 token
		hopRelations:    []kg.Relation{{ID: "r2", RelationName: "x"}},       // 1 token
		farEntities:     []kg.Entity{{ID: "e3", Name: "Eve"}},               // 1 token
	}

	in.maxTokens = 9
	result := pack(in)
	assert.Equal(t, 9, result.TokenCount)
	assert.Len(t, result.Nodes, 1)
	assert.Len(t, result.Knowledge, 1)
	assert.Len(t, result.Entities, 3)
	assert.Len(t, result.Relations, 2)

	in.maxTokens = 4
	result = pack(in)
	assert.Equal(t, 4, result.TokenCount)
	assert.Len(t, result.Nodes, 1)
	require.Len(t, result.Relations, 1)
	assert.Equal(t, "r1", result.Relations[0].ID)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "e1", result.Entities[0].ID)
	assert.Empty(t, result.Knowledge)

	in.maxTokens = 1
	result = pack(in)
	assert.Equal(t, 1, result.TokenCount)
	assert.Len(t, result.Nodes, 1)
	assert.Empty(t, result.Relations)
	assert.Empty(t, result.Entities)
}

func TestPackSkipsOverflowingCategoryNotTheRest(t *testing.T) {
	in := packInput{
		directRelations: []kg.Relation{{ID: "r1", RelationName: "knows"}}, // 2 tokens
		directEntities:  []kg.Entity{{ID: "e1", Name: "Ann"}},             // 1 token
		maxTokens:       1,
	}

	result := pack(in)
	assert.Equal(t, 1, result.TokenCount)
	assert.Empty(t, result.Relations)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "e1", result.Entities[0].ID)
}

func TestCharacterContext(t *testing.T) {
	r := newTestRetriever(t)
	ctx := context.Background()

	result, err := r.CharacterContext(ctx, "ch1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Lin Wei", result.Character.Name)

	relationIDs := make([]string, len(result.Relations))
	for i, relation := range result.Relations {
		relationIDs[i] = relation.ID
	}
	assert.Equal(t, []string{"r1", "r2"}, relationIDs)

	require.Len(t, result.RelatedCharacters, 1)
	assert.Equal(t, "ch2", result.RelatedCharacters[0].ID)

	require.Len(t, result.Appearances, 1)
	assert.Equal(t, "n1", result.Appearances[0].ID)
}

func TestCharacterContextUnknown(t *testing.T) {
	r := newTestRetriever(t)

	_, err := r.CharacterContext(context.Background(), "ghost", 2)
	assert.ErrorIs(t, err, kg.ErrNotFound)
}

func TestEventContext(t *testing.T) {
	r := newTestRetriever(t)

	result, err := r.EventContext(context.Background(), "Mira meets the guild at the harbor")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Nodes)
	entityIDs := make(map[string]bool)
	for _, entity := range result.Entities {
		entityIDs[entity.ID] = true
	}
	assert.True(t, entityIDs["ch2"])
	assert.True(t, entityIDs["org1"])
	assert.NotEmpty(t, result.Relations)
}

func TestFindPath(t *testing.T) {
	r := newTestRetriever(t)

	path := r.FindPath("ch1", "org1")
	require.Len(t, path, 3)
	assert.Equal(t, "r1", path[0].ID)
	assert.Equal(t, "r2", path[1].ID)
	assert.Equal(t, "r3", path[2].ID)

	assert.Empty(t, r.FindPath("ch1", "ch1"))
	assert.Empty(t, r.FindPath("ch1", "iso1"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("夜色深沉"))
}

func TestPromptTextRendersEmptySections(t *testing.T) {
	empty := &Context{}
	text := empty.PromptText()
	assert.Contains(t, text, "【相关节点】\n无")
	assert.Contains(t, text, "【世界观知识】\n无")

	full := &Context{
		Nodes:     []story.Node{{ID: "n1", Title: "Opening", Content: "fog"}},
		Knowledge: []string{"salt air"},
		Entities:  []kg.Entity{{Name: "Lin Wei", Type: kg.EntityCharacter, Description: "detective"}},
		Relations: []kg.Relation{{RelationName: "old friends", SourceID: "ch1", TargetID: "ch2"}},
	}
	text = full.PromptText()
	assert.Contains(t, text, "- n1: Opening: fog")
	assert.Contains(t, text, "- salt air")
	assert.Contains(t, text, "- Lin Wei (character): detective")
	assert.Contains(t, text, "- old friends: ch1 -> ch2")
}
