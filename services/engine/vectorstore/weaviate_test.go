// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestClassForCollection(t *testing.T) {
	assert.Equal(t, "StoryNodes", classForCollection(CollectionStoryNodes))
	assert.Equal(t, "WorldKnowledge", classForCollection(CollectionWorldKnowledge))
	assert.Equal(t, "Plain", classForCollection("plain"))
}

func TestObjectIDIsDeterministic(t *testing.T) {
	assert.Equal(t, objectID("p1:n1"), objectID("p1:n1"))
	assert.NotEqual(t, objectID("p1:n1"), objectID("p1:n2"))
}

func TestBuildWhereEmpty(t *testing.T) {
	assert.Nil(t, buildWhere(nil))
	assert.Nil(t, buildWhere(Filter{}))
	assert.NotNil(t, buildWhere(Filter{"project_id": "p1"}))
	assert.NotNil(t, buildWhere(Filter{"project_id": "p1", "category": "geography"}))
}

func TestParseResults(t *testing.T) {
	response := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"StoryNodes": []interface{}{
					map[string]interface{}{
						"docId":      "p1:n1",
						"content":    "scene text",
						"project_id": "p1",
						"_additional": map[string]interface{}{
							"distance": 0.25,
						},
					},
				},
			},
		},
	}

	results := parseResults(response, "StoryNodes")
	require.Len(t, results, 1)
	assert.Equal(t, "p1:n1", results[0].ID)
	assert.Equal(t, "scene text", results[0].Content)
	assert.InDelta(t, 0.75, results[0].Score, 1e-9)
	assert.Equal(t, "p1", results[0].Metadata["project_id"])
}

func TestParseResultsMalformed(t *testing.T) {
	assert.Empty(t, parseResults(&models.GraphQLResponse{}, "StoryNodes"))
	assert.Empty(t, parseResults(&models.GraphQLResponse{
		Data: map[string]models.JSONObject{"Get": map[string]interface{}{}},
	}, "StoryNodes"))
}
