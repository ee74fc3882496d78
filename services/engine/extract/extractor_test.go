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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// scriptedOracle returns canned results keyed by a substring of the text.
type scriptedOracle struct {
	results map[string]Result
	calls   int
}

func (s *scriptedOracle) Extract(_ context.Context, text string, _ *kg.Graph) (Result, error) {
	s.calls++
	for needle, result := range s.results {
		if strings.Contains(text, needle) {
			return result, nil
		}
	}
	return Result{}, nil
}

func TestExtractFromNodeStampsSourceRefs(t *testing.T) {
	oracle := &scriptedOracle{results: map[string]Result{
		"harbor": {
			NewEntities:  []kg.Entity{{ID: "e1", Name: "Harbor", Type: kg.EntityLocation}},
			NewRelations: []kg.Relation{{ID: "r1", SourceID: "e0", TargetID: "e1", Type: kg.RelationLocatedAt, SourceRefs: []string{"n1"}}},
		},
	}}
	extractor := NewExtractor(oracle, nil)

	node := &story.Node{ID: "n1", Title: "At the harbor", Content: "waves"}
	result, err := extractor.ExtractFromNode(context.Background(), node, kg.NewGraph("p1"))
	require.NoError(t, err)

	require.Len(t, result.NewEntities, 1)
	assert.Equal(t, []string{"n1"}, result.NewEntities[0].SourceRefs)
	// Already-present refs are not duplicated.
	assert.Equal(t, []string{"n1"}, result.NewRelations[0].SourceRefs)
}

func TestBuildFullGraphAccumulates(t *testing.T) {
	oracle := &scriptedOracle{results: map[string]Result{
		"harbor": {NewEntities: []kg.Entity{{ID: "e1", Name: "Harbor", Type: kg.EntityLocation}}},
		"murder": {NewEntities: []kg.Entity{{ID: "e2", Name: "The Murder", Type: kg.EntityEvent}}},
	}}
	extractor := NewExtractor(oracle, nil)

	project := story.NewProject("p", "", nil)
	project.UpdatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	project.Nodes = []story.Node{
		{ID: "n1", Title: "harbor", NarrativeOrder: 1, TimelineOrder: 1},
		{ID: "n2", Title: "murder", NarrativeOrder: 2, TimelineOrder: 2},
	}

	graph, err := extractor.BuildFullGraph(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 2, oracle.calls)
	assert.Len(t, graph.Entities, 2)
	assert.Equal(t, project.UpdatedAt, graph.LastUpdated)
}

func TestIncrementalUpdateLeavesInputUntouched(t *testing.T) {
	oracle := &scriptedOracle{results: map[string]Result{
		"cellar": {NewEntities: []kg.Entity{{ID: "e9", Name: "Cellar", Type: kg.EntityLocation}}},
	}}
	extractor := NewExtractor(oracle, nil)

	current := kg.NewGraph("p1")
	current.Entities = []kg.Entity{{ID: "e1", Name: "Lin", Type: kg.EntityCharacter}}
	before := current.LastUpdated

	node := &story.Node{ID: "n3", Title: "cellar", NarrativeOrder: 3, TimelineOrder: 3}
	updated, err := extractor.IncrementalUpdate(context.Background(), "p1", node, current)
	require.NoError(t, err)

	assert.Len(t, updated.Entities, 2)
	assert.Len(t, current.Entities, 1)
	assert.Equal(t, before, current.LastUpdated)
	assert.True(t, updated.LastUpdated.After(before) || updated.LastUpdated.Equal(before))
}

func TestDisabledOracleReturnsEmpty(t *testing.T) {
	oracle := NewOpenAIOracle(OpenAIConfig{Logger: slog.Default()})
	assert.False(t, oracle.Enabled())

	result, err := oracle.Extract(context.Background(), "some text", kg.NewGraph("p1"))
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestOracleSkipsBlankText(t *testing.T) {
	oracle := NewOpenAIOracle(OpenAIConfig{APIKey: "test-key"})
	result, err := oracle.Extract(context.Background(), "   \n ", kg.NewGraph("p1"))
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestSanitizeResult(t *testing.T) {
	raw := Result{
		NewEntities: []kg.Entity{
			{Name: "Valid", Type: kg.EntityCharacter},
			{Name: "Bogus", Type: kg.EntityType("spirit")},
		},
		NewRelations: []kg.Relation{
			{SourceID: "a", TargetID: "b", Type: kg.RelationFriend},
			{SourceID: "a", TargetID: "b", Type: kg.RelationType("nemesis")},
		},
	}

	clean := sanitizeResult(raw, slog.Default())
	require.Len(t, clean.NewEntities, 1)
	assert.NotEmpty(t, clean.NewEntities[0].ID)
	require.Len(t, clean.NewRelations, 1)
	assert.NotEmpty(t, clean.NewRelations[0].ID)
}

func TestSerializeEntities(t *testing.T) {
	assert.Equal(t, "(none)", serializeEntities(nil))

	rendered := serializeEntities([]kg.Entity{
		{ID: "e1", Name: "Lin Wei", Type: kg.EntityCharacter, Aliases: []string{"老林"}},
	})
	assert.Contains(t, rendered, "e1: Lin Wei (character)")
	assert.Contains(t, rendered, "aliases=老林")
}
