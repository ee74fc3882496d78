// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/storage/badgerdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestLoadMissingReturnsEmptyGraph(t *testing.T) {
	store := newTestStore(t)

	graph, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "nope", graph.ProjectID)
	assert.Empty(t, graph.Entities)
	assert.Empty(t, graph.Relations)
	assert.False(t, graph.LastUpdated.IsZero())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	graph := testGraph()
	stale := graph.LastUpdated.Add(-time.Hour)
	graph.LastUpdated = stale
	require.NoError(t, store.Save(ctx, graph))
	assert.True(t, graph.LastUpdated.After(stale), "save should stamp last_updated")

	loaded, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, loaded.Entities, 3)
	assert.Len(t, loaded.Relations, 2)
	assert.Equal(t, "Lin Wei", loaded.FindEntity("e1").Name)
	assert.Equal(t, EntityLocation, loaded.FindEntity("e2").Type)
}

func TestDeleteGraph(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testGraph()))
	require.NoError(t, store.Delete(ctx, "p1"))

	graph, err := store.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, graph.Entities)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, "p1"))
}

func TestGraphCloneIsDeep(t *testing.T) {
	graph := testGraph()
	clone := graph.Clone()

	clone.Entities[0].Name = "changed"
	clone.Entities[0].Aliases[0] = "changed"
	clone.Relations[0].SourceID = "changed"

	assert.Equal(t, "Lin Wei", graph.Entities[0].Name)
	assert.Equal(t, "老林", graph.Entities[0].Aliases[0])
	assert.Equal(t, "e1", graph.Relations[0].SourceID)
}

func TestEntityTypeValid(t *testing.T) {
	assert.True(t, EntityCharacter.Valid())
	assert.True(t, EntityConcept.Valid())
	assert.False(t, EntityType("ghost").Valid())
}

func TestRelationTypeValid(t *testing.T) {
	assert.True(t, RelationMasterStudent.Valid())
	assert.False(t, RelationType("acquaintance").Valid())
}

func TestRelationsOf(t *testing.T) {
	graph := testGraph()
	incident := graph.RelationsOf("e2")
	assert.Len(t, incident, 2)
	assert.Empty(t, graph.RelationsOf("missing"))
}
