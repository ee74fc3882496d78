// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *Graph {
	graph := NewGraph("p1")
	graph.Entities = []Entity{
		{ID: "e1", Name: "Lin Wei", Type: EntityCharacter, Aliases: []string{"老林"}, SourceRefs: []string{"n1"}},
		{ID: "e2", Name: "The Harbor", Type: EntityLocation, SourceRefs: []string{"n1", "n2"}},
		{ID: "e3", Name: "Wei", Type: EntityCharacter, Aliases: []string{"小魏"}, SourceRefs: []string{"n2"}},
	}
	graph.Relations = []Relation{
		{ID: "r1", SourceID: "e1", TargetID: "e2", Type: RelationLocatedAt, RelationName: "lives at", SourceRefs: []string{"n1"}},
		{ID: "r2", SourceID: "e3", TargetID: "e2", Type: RelationLocatedAt, RelationName: "lives at", Description: "moved in recently", SourceRefs: []string{"n2"}},
	}
	return graph
}

func TestUpdateEntity(t *testing.T) {
	editor := NewEditor(testGraph())
	name := "Lin Wei Sr."
	typ := EntityOrganization

	entity, err := editor.UpdateEntity("e1", EntityUpdate{Name: &name, Type: &typ})
	require.NoError(t, err)
	assert.Equal(t, "Lin Wei Sr.", entity.Name)
	assert.Equal(t, EntityOrganization, entity.Type)
	assert.Equal(t, []string{"老林"}, entity.Aliases)
}

func TestUpdateEntityNotFound(t *testing.T) {
	editor := NewEditor(testGraph())
	_, err := editor.UpdateEntity("missing", EntityUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEntityRollsBackOnInvalidType(t *testing.T) {
	graph := testGraph()
	before := graph.LastUpdated
	editor := NewEditor(graph)

	name := "Renamed"
	bad := EntityType("ghost")
	_, err := editor.UpdateEntity("e1", EntityUpdate{Name: &name, Type: &bad})
	require.ErrorIs(t, err, ErrValidation)

	// Nothing changed, not even fields listed before the invalid one.
	assert.Equal(t, "Lin Wei", graph.FindEntity("e1").Name)
	assert.Equal(t, before, graph.LastUpdated)
}

func TestUpdateEntityRejectsBlankName(t *testing.T) {
	editor := NewEditor(testGraph())
	blank := "   "
	_, err := editor.UpdateEntity("e1", EntityUpdate{Name: &blank})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteEntityCascades(t *testing.T) {
	graph := testGraph()
	editor := NewEditor(graph)

	removed, err := editor.DeleteEntity("e2")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Nil(t, graph.FindEntity("e2"))
	assert.Empty(t, graph.Relations)
}

func TestDeleteEntityNotFound(t *testing.T) {
	editor := NewEditor(testGraph())
	_, err := editor.DeleteEntity("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeEntities(t *testing.T) {
	graph := testGraph()
	editor := NewEditor(graph)

	merged, err := editor.MergeEntities("e3", "e1")
	require.NoError(t, err)

	// e3's name and aliases fold into e1's alias list.
	assert.Equal(t, "Lin Wei", merged.Name)
	assert.Equal(t, []string{"老林", "Wei", "小魏"}, merged.Aliases)
	assert.ElementsMatch(t, []string{"n1", "n2"}, merged.SourceRefs)
	assert.Nil(t, graph.FindEntity("e3"))

	// r1 and r2 became duplicates after endpoint redirect; the one with
	// the longer description wins.
	require.Len(t, graph.Relations, 1)
	assert.Equal(t, "moved in recently", graph.Relations[0].Description)
	assert.Equal(t, "e1", graph.Relations[0].SourceID)
}

func TestMergeEntitiesSelf(t *testing.T) {
	editor := NewEditor(testGraph())
	_, err := editor.MergeEntities("e1", "e1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMergeEntitiesMissing(t *testing.T) {
	editor := NewEditor(testGraph())
	_, err := editor.MergeEntities("e1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = editor.MergeEntities("missing", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDedupeRelationsStrengthWins(t *testing.T) {
	relations := []Relation{
		{ID: "a", SourceID: "x", TargetID: "y", Type: RelationFriend, RelationName: "ally", Properties: map[string]any{"strength": 0.2}},
		{ID: "b", SourceID: "y", TargetID: "x", Type: RelationFriend, RelationName: "ally", Properties: map[string]any{"strength": 0.9}},
		{ID: "c", SourceID: "x", TargetID: "y", Type: RelationEnemy, RelationName: "rival"},
	}

	deduped := dedupeRelations(relations)
	require.Len(t, deduped, 2)
	assert.Equal(t, "b", deduped[0].ID)
	assert.Equal(t, "c", deduped[1].ID)
}

func TestDedupeRelationsTieKeepsFirst(t *testing.T) {
	relations := []Relation{
		{ID: "first", SourceID: "x", TargetID: "y", Type: RelationFriend, RelationName: "ally"},
		{ID: "second", SourceID: "x", TargetID: "y", Type: RelationFriend, RelationName: "ally"},
	}

	deduped := dedupeRelations(relations)
	require.Len(t, deduped, 1)
	assert.Equal(t, "first", deduped[0].ID)
}
