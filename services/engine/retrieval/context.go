// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval assembles generation context: multi-signal fusion
// over story nodes and world knowledge, knowledge graph expansion, and
// greedy packing into a token budget.
package retrieval

import (
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// Context is one token-budgeted retrieval result. Ephemeral, never
// persisted; TokenCount is the realized cost of what was packed.
type Context struct {
	Nodes      []story.Node  `json:"relevant_nodes"`
	Knowledge  []string      `json:"relevant_knowledge"`
	Entities   []kg.Entity   `json:"relevant_entities"`
	Relations  []kg.Relation `json:"relevant_relations"`
	TokenCount int           `json:"token_count"`
}

// PromptText renders the context for inclusion in a generation prompt.
func (c *Context) PromptText() string {
	var nodes []string
	for i := range c.Nodes {
		nodes = append(nodes, fmt.Sprintf("- %s: %s", c.Nodes[i].ID, c.Nodes[i].Summary()))
	}
	var knowledge []string
	for _, snippet := range c.Knowledge {
		knowledge = append(knowledge, "- "+snippet)
	}
	var entities []string
	for i := range c.Entities {
		entities = append(entities, fmt.Sprintf("- %s (%s): %s",
			c.Entities[i].Name, c.Entities[i].Type, c.Entities[i].Description))
	}
	var relations []string
	for i := range c.Relations {
		relations = append(relations, fmt.Sprintf("- %s: %s -> %s",
			c.Relations[i].RelationName, c.Relations[i].SourceID, c.Relations[i].TargetID))
	}

	section := func(lines []string) string {
		if len(lines) == 0 {
			return "无"
		}
		return strings.Join(lines, "\n")
	}
	return "【相关节点】\n" + section(nodes) +
		"\n\n【世界观知识】\n" + section(knowledge) +
		"\n\n【实体】\n" + section(entities) +
		"\n\n【关系】\n" + section(relations)
}

// CharacterContext is the neighborhood of one character entity.
type CharacterContext struct {
	Character           kg.Entity     `json:"character"`
	Relations           []kg.Relation `json:"relations"`
	RelatedCharacters   []kg.Entity   `json:"related_characters"`
	Appearances         []story.Node  `json:"appearances"`
	BackgroundKnowledge []string      `json:"background_knowledge"`
}

// EventContext gathers material around a described event, untruncated.
type EventContext struct {
	Nodes               []story.Node  `json:"related_nodes"`
	Entities            []kg.Entity   `json:"related_entities"`
	Relations           []kg.Relation `json:"related_relations"`
	BackgroundKnowledge []string      `json:"background_knowledge"`
}

// EstimateTokens approximates the token cost of text: one token per
// four characters, minimum 1 for non-empty text.
func EstimateTokens(text string) int {
	length := len([]rune(text))
	if length == 0 {
		return 0
	}
	cost := (length + 3) / 4
	if cost < 1 {
		cost = 1
	}
	return cost
}
