// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// packInput carries the fused and expanded material into the greedy
// token packer.
type packInput struct {
	nodes           []story.Node
	knowledge       []string
	directEntities  []kg.Entity
	nearEntities    []kg.Entity
	farEntities     []kg.Entity
	directRelations []kg.Relation
	hopRelations    []kg.Relation
	maxTokens       int
}

func entityText(entity *kg.Entity) string {
	if entity.Description == "" {
		return entity.Name
	}
	return entity.Name + " " + entity.Description
}

func relationText(relation *kg.Relation) string {
	if relation.Description == "" {
		return relation.RelationName
	}
	return relation.RelationName + " " + relation.Description
}

// pack fills a Context greedily in priority order. Within a category,
// items keep their ranking order; a category stops at the first item
// that would overflow the budget, and packing stops entirely once the
// running total reaches it.
func pack(in packInput) *Context {
	out := &Context{}
	budget := in.maxTokens
	total := 0

	// fit reports whether an item of the given cost still fits, and
	// charges it when it does.
	fit := func(cost int) bool {
		if total+cost > budget {
			return false
		}
		total += cost
		return true
	}
	full := func() bool { return total >= budget }

	type category func()
	addNodes := func() {
		for i := range in.nodes {
			if !fit(EstimateTokens(in.nodes[i].Summary())) {
				return
			}
			out.Nodes = append(out.Nodes, in.nodes[i])
		}
	}
	addRelations := func(relations []kg.Relation) category {
		return func() {
			for i := range relations {
				if !fit(EstimateTokens(relationText(&relations[i]))) {
					return
				}
				out.Relations = append(out.Relations, relations[i])
			}
		}
	}
	addEntities := func(entities []kg.Entity) category {
		return func() {
			for i := range entities {
				if !fit(EstimateTokens(entityText(&entities[i]))) {
					return
				}
				out.Entities = append(out.Entities, entities[i])
			}
		}
	}
	addKnowledge := func() {
		for _, snippet := range in.knowledge {
			if !fit(EstimateTokens(snippet)) {
				return
			}
			out.Knowledge = append(out.Knowledge, snippet)
		}
	}

	categories := []category{
		addNodes,                         // priority 3
		addRelations(in.directRelations), // priority 3
		addEntities(in.directEntities),   // priority 3
		addKnowledge,                     // priority 2
		addEntities(in.nearEntities),     // priority 2
		addRelations(in.hopRelations),    // priority 2
		addEntities(in.farEntities),      // priority 1
	}
	for _, add := range categories {
		if full() {
			break
		}
		add()
	}

	out.TokenCount = total
	return out
}
