// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package kg

import (
	"fmt"
	"sort"
	"strings"
)

// Editor applies manual graph edits. Every operation mutates a clone and
// swaps it in only on success, so a failed edit leaves the graph exactly
// as it was. Persisting the result is the caller's job.
type Editor struct {
	graph *Graph
}

// NewEditor wraps a graph for editing. The graph is mutated in place on
// successful operations.
func NewEditor(graph *Graph) *Editor {
	return &Editor{graph: graph}
}

// Graph returns the graph being edited.
func (e *Editor) Graph() *Graph {
	return e.graph
}

// EntityUpdate is the closed set of fields UpdateEntity may change.
// Nil fields are left untouched.
type EntityUpdate struct {
	Name        *string
	Type        *EntityType
	Description *string
	Aliases     *[]string
	Properties  *map[string]any
	SourceRefs  *[]string
}

// UpdateEntity applies the update to the entity with the given id and
// returns the updated entity. Unknown ids yield ErrNotFound; an invalid
// type or blank name yields ErrValidation and the graph is unchanged.
func (e *Editor) UpdateEntity(entityID string, update EntityUpdate) (*Entity, error) {
	working := e.graph.Clone()

	entity := working.FindEntity(entityID)
	if entity == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, entityID)
	}

	if update.Name != nil {
		if strings.TrimSpace(*update.Name) == "" {
			return nil, fmt.Errorf("%w: entity name must not be empty", ErrValidation)
		}
		entity.Name = *update.Name
	}
	if update.Type != nil {
		if !update.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown entity type %q", ErrValidation, *update.Type)
		}
		entity.Type = *update.Type
	}
	if update.Description != nil {
		entity.Description = *update.Description
	}
	if update.Aliases != nil {
		entity.Aliases = append([]string(nil), *update.Aliases...)
	}
	if update.Properties != nil {
		entity.Properties = make(map[string]any, len(*update.Properties))
		for k, v := range *update.Properties {
			entity.Properties[k] = v
		}
	}
	if update.SourceRefs != nil {
		entity.SourceRefs = append([]string(nil), *update.SourceRefs...)
	}

	working.Touch()
	e.commit(working)
	return e.graph.FindEntity(entityID), nil
}

// DeleteEntity removes the entity and every relation incident to it,
// returning the number of relations removed.
func (e *Editor) DeleteEntity(entityID string) (int, error) {
	working := e.graph.Clone()

	if working.FindEntity(entityID) == nil {
		return 0, fmt.Errorf("%w: entity %s", ErrNotFound, entityID)
	}

	before := len(working.Relations)
	kept := working.Relations[:0]
	for _, relation := range working.Relations {
		if relation.SourceID != entityID && relation.TargetID != entityID {
			kept = append(kept, relation)
		}
	}
	working.Relations = kept
	removed := before - len(working.Relations)

	entities := working.Entities[:0]
	for _, entity := range working.Entities {
		if entity.ID != entityID {
			entities = append(entities, entity)
		}
	}
	working.Entities = entities

	working.Touch()
	e.commit(working)
	return removed, nil
}

// MergeEntities folds the entity from into the entity into: from's name
// and aliases become aliases of into, relations are redirected, source
// refs are unioned, from is deleted, and duplicate relations collapse to
// the stronger one. Returns the merged entity.
func (e *Editor) MergeEntities(fromID, intoID string) (*Entity, error) {
	if fromID == intoID {
		return nil, fmt.Errorf("%w: cannot merge entity into itself", ErrValidation)
	}

	working := e.graph.Clone()

	source := working.FindEntity(fromID)
	target := working.FindEntity(intoID)
	if source == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, fromID)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, intoID)
	}

	target.Aliases = foldAliases(target, source)
	target.SourceRefs = unionStrings(target.SourceRefs, source.SourceRefs)

	for i := range working.Relations {
		if working.Relations[i].SourceID == fromID {
			working.Relations[i].SourceID = intoID
		}
		if working.Relations[i].TargetID == fromID {
			working.Relations[i].TargetID = intoID
		}
	}

	entities := working.Entities[:0]
	for _, entity := range working.Entities {
		if entity.ID != fromID {
			entities = append(entities, entity)
		}
	}
	working.Entities = entities

	working.Relations = dedupeRelations(working.Relations)

	working.Touch()
	e.commit(working)
	return e.graph.FindEntity(intoID), nil
}

func (e *Editor) commit(working *Graph) {
	e.graph.Entities = working.Entities
	e.graph.Relations = working.Relations
	e.graph.LastUpdated = working.LastUpdated
}

// foldAliases merges source's name and aliases into target's alias list,
// dropping duplicates and target's own name. Order is preserved: existing
// aliases first, then the source's contributions.
func foldAliases(target, source *Entity) []string {
	seen := map[string]struct{}{target.Name: {}}
	var merged []string
	add := func(alias string) {
		if _, ok := seen[alias]; ok {
			return
		}
		seen[alias] = struct{}{}
		merged = append(merged, alias)
	}
	for _, alias := range target.Aliases {
		add(alias)
	}
	add(source.Name)
	for _, alias := range source.Aliases {
		add(alias)
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var union []string
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			union = append(union, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			union = append(union, s)
		}
	}
	return union
}

// dedupeRelations collapses relations that share {unordered endpoints,
// type, relation name} down to the one with the highest score, keeping
// the first seen on ties. Output preserves first-seen order.
func dedupeRelations(relations []Relation) []Relation {
	type slot struct {
		index    int
		relation Relation
	}
	unique := make(map[string]slot, len(relations))
	order := make([]string, 0, len(relations))

	for _, relation := range relations {
		endpoints := []string{relation.SourceID, relation.TargetID}
		sort.Strings(endpoints)
		key := strings.Join(append(endpoints, string(relation.Type), relation.RelationName), "\x00")

		existing, ok := unique[key]
		if !ok {
			unique[key] = slot{index: len(order), relation: relation}
			order = append(order, key)
			continue
		}
		if relationScore(relation) > relationScore(existing.relation) {
			unique[key] = slot{index: existing.index, relation: relation}
		}
	}

	deduped := make([]Relation, len(order))
	for _, key := range order {
		s := unique[key]
		deduped[s.index] = s.relation
	}
	return deduped
}

// relationScore ranks duplicate relations: strength dominates, a longer
// description breaks ties between equal strengths.
func relationScore(relation Relation) float64 {
	return relation.Strength()*1000 + float64(len([]rune(relation.Description)))
}
