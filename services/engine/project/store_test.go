// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/storage/badgerdb"
	"github.com/storyloom/storyloom/services/engine/story"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestCreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := story.NewProject("Mist City", "fog-bound port", []string{"mystery"})
	project.Nodes = []story.Node{{ID: "n1", Title: "Opening", NarrativeOrder: 1, TimelineOrder: 1}}
	require.NoError(t, store.Create(ctx, project))

	loaded, err := store.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mist City", loaded.Title)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "Opening", loaded.Nodes[0].Title)
}

func TestCreateDuplicateFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := story.NewProject("Once", "", nil)
	require.NoError(t, store.Create(ctx, project))
	assert.Error(t, store.Create(ctx, project))
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := store.Find(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := story.NewProject("Draft", "", nil)
	require.NoError(t, store.Create(ctx, project))

	project.Title = "Final"
	require.NoError(t, store.Update(ctx, project))

	loaded, err := store.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "Final", loaded.Title)

	missing := story.NewProject("Nowhere", "", nil)
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := story.NewProject("Doomed", "", nil)
	require.NoError(t, store.Create(ctx, project))
	require.NoError(t, store.Delete(ctx, project.ID))
	assert.ErrorIs(t, store.Delete(ctx, project.ID), ErrNotFound)
}

func TestListOrdersByUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := story.NewProject("Older", "", nil)
	older.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	older.UpdatedAt = older.CreatedAt
	newer := story.NewProject("Newer", "", nil)
	newer.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	newer.UpdatedAt = newer.CreatedAt

	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "Newer", summaries[0].Title)
	assert.Equal(t, "Older", summaries[1].Title)
}
