// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package story

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr string
	}{
		{
			name: "valid node",
			node: Node{Title: "Opening", NarrativeOrder: 1, TimelineOrder: 1.0},
		},
		{
			name:    "empty title",
			node:    Node{Title: "  ", NarrativeOrder: 1, TimelineOrder: 1.0},
			wantErr: "title",
		},
		{
			name:    "narrative order below one",
			node:    Node{Title: "x", NarrativeOrder: 0, TimelineOrder: 1.0},
			wantErr: "narrative_order",
		},
		{
			name:    "non-positive timeline order",
			node:    Node{Title: "x", NarrativeOrder: 1, TimelineOrder: 0},
			wantErr: "timeline_order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNodeText(t *testing.T) {
	node := Node{Title: " The Clue ", Content: "A hidden report surfaces.\n"}
	assert.Equal(t, "The Clue\n\nA hidden report surfaces.", node.Text())

	empty := Node{Title: "Only Title"}
	assert.Equal(t, "Only Title", empty.Text())
}

func TestNodeSummaryTruncates(t *testing.T) {
	node := Node{Title: "Long", Content: strings.Repeat("a", 200)}
	summary := node.Summary()
	assert.True(t, strings.HasSuffix(summary, "..."))
	assert.LessOrEqual(t, len([]rune(summary)), 120+len("Long: "))
}

func TestCharacterProfileBioLimit(t *testing.T) {
	profile := CharacterProfile{Name: "Lu Chen", Bio: strings.Repeat("x", 101)}
	assert.ErrorIs(t, profile.Validate(), ErrValidation)

	profile.Bio = strings.Repeat("x", 100)
	assert.NoError(t, profile.Validate())
}

func TestProjectNodeLifecycle(t *testing.T) {
	project := NewProject("Mist City", "A fog-bound port city", []string{"mystery"})
	require.NotEmpty(t, project.ID)

	node := Node{ID: "n1", Title: "One", Content: "first", NarrativeOrder: 1, TimelineOrder: 1}
	old := project.UpsertNode(node)
	assert.Nil(t, old)
	require.Len(t, project.Nodes, 1)

	node.Content = "revised"
	old = project.UpsertNode(node)
	require.NotNil(t, old)
	assert.Equal(t, "first", old.Content)
	assert.Equal(t, "revised", project.FindNode("n1").Content)

	assert.True(t, project.RemoveNode("n1"))
	assert.False(t, project.RemoveNode("n1"))
	assert.Nil(t, project.FindNode("n1"))
}

func TestProjectValidateNormalizesTimestamps(t *testing.T) {
	project := NewProject("p", "", nil)
	project.UpdatedAt = project.CreatedAt.Add(-time.Hour)
	require.NoError(t, project.Validate())
	assert.Equal(t, project.CreatedAt, project.UpdatedAt)
}

func TestProjectCloneIsDeep(t *testing.T) {
	project := NewProject("p", "", nil)
	project.UpsertNode(Node{ID: "n1", Title: "t", NarrativeOrder: 1, TimelineOrder: 1, Characters: []string{"c1"}})

	clone := project.Clone()
	clone.Nodes[0].Characters[0] = "changed"
	clone.Nodes[0].Title = "changed"

	assert.Equal(t, "c1", project.Nodes[0].Characters[0])
	assert.Equal(t, "t", project.Nodes[0].Title)
}

func TestProjectWordCount(t *testing.T) {
	project := NewProject("p", "", nil)
	project.UpsertNode(Node{ID: "n1", Title: "abc", Content: "defgh", LocationTag: "xy", NarrativeOrder: 1, TimelineOrder: 1})
	assert.Equal(t, 10, project.WordCount())
}
