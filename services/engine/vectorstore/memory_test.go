// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	store := NewMemory()
	err := store.Add(context.Background(), CollectionStoryNodes, []Document{
		{ID: "p1:n1", Content: "The detective searched the harbor warehouse", Metadata: map[string]any{"project_id": "p1", "node_id": "n1"}},
		{ID: "p1:n2", Content: "A quiet dinner at the mansion", Metadata: map[string]any{"project_id": "p1", "node_id": "n2"}},
		{ID: "p2:n1", Content: "The detective boarded a night train", Metadata: map[string]any{"project_id": "p2", "node_id": "n1"}},
	})
	require.NoError(t, err)
	return store
}

func TestMemorySearchFiltersByProject(t *testing.T) {
	store := seedMemory(t)

	results, err := store.Search(context.Background(), CollectionStoryNodes, "detective harbor", 10,
		Filter{"project_id": "p1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1:n1", results[0].ID)
	assert.Equal(t, 1.0, results[0].Score)
}

func TestMemorySearchRanksByOverlap(t *testing.T) {
	store := seedMemory(t)

	results, err := store.Search(context.Background(), CollectionStoryNodes, "detective harbor", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p1:n1", results[0].ID)
	assert.Equal(t, "p2:n1", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMemorySearchEmptyQuery(t *testing.T) {
	store := seedMemory(t)
	results, err := store.Search(context.Background(), CollectionStoryNodes, "", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryAddIsUpsert(t *testing.T) {
	store := seedMemory(t)
	ctx := context.Background()

	err := store.Add(ctx, CollectionStoryNodes, []Document{
		{ID: "p1:n1", Content: "rewritten scene at the docks", Metadata: map[string]any{"project_id": "p1", "node_id": "n1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len(CollectionStoryNodes))

	results, err := store.Search(ctx, CollectionStoryNodes, "docks", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1:n1", results[0].ID)
}

func TestMemoryAddRejectsBlankID(t *testing.T) {
	store := NewMemory()
	err := store.Add(context.Background(), CollectionStoryNodes, []Document{{Content: "x"}})
	assert.Error(t, err)
}

func TestMemoryDeleteByIDs(t *testing.T) {
	store := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, store.DeleteByIDs(ctx, CollectionStoryNodes, []string{"p1:n1", "ghost"}))
	assert.Equal(t, 2, store.Len(CollectionStoryNodes))
}

func TestMemoryDeleteByFilter(t *testing.T) {
	store := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, store.DeleteByFilter(ctx, CollectionStoryNodes, Filter{"project_id": "p1"}))
	assert.Equal(t, 1, store.Len(CollectionStoryNodes))

	results, err := store.Search(ctx, CollectionStoryNodes, "detective", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2:n1", results[0].ID)
}
