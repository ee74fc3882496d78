// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package kg holds the per-project knowledge graph: typed entities and
// relations extracted from narrative text, a Badger-backed store, and an
// Editor for transactional manual edits.
package kg

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for graph operations.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
)

// EntityType classifies an entity. The set is closed; the extraction
// oracle is instructed to pick from it and unknown values are rejected.
type EntityType string

const (
	EntityCharacter    EntityType = "character"
	EntityLocation     EntityType = "location"
	EntityItem         EntityType = "item"
	EntityEvent        EntityType = "event"
	EntityOrganization EntityType = "organization"
	EntityConcept      EntityType = "concept"
)

// Valid reports whether t is a member of the closed entity type set.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCharacter, EntityLocation, EntityItem, EntityEvent,
		EntityOrganization, EntityConcept:
		return true
	}
	return false
}

// RelationType classifies a relation between two entities.
type RelationType string

const (
	RelationFamily        RelationType = "family"
	RelationFriend        RelationType = "friend"
	RelationEnemy         RelationType = "enemy"
	RelationLover         RelationType = "lover"
	RelationMasterStudent RelationType = "master_student"
	RelationColleague     RelationType = "colleague"
	RelationBelongsTo     RelationType = "belongs_to"
	RelationLocatedAt     RelationType = "located_at"
	RelationParticipates  RelationType = "participates_in"
	RelationRelatedTo     RelationType = "related_to"
)

// Valid reports whether t is a member of the closed relation type set.
func (t RelationType) Valid() bool {
	switch t {
	case RelationFamily, RelationFriend, RelationEnemy, RelationLover,
		RelationMasterStudent, RelationColleague, RelationBelongsTo,
		RelationLocatedAt, RelationParticipates, RelationRelatedTo:
		return true
	}
	return false
}

// Entity is a named thing in the story world. SourceRefs lists the node
// ids whose text the entity was extracted from; an entity with no source
// refs left after a node deletion is garbage-collected by the sync layer.
type Entity struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        EntityType     `json:"type"`
	Description string         `json:"description"`
	Aliases     []string       `json:"aliases"`
	Properties  map[string]any `json:"properties"`
	SourceRefs  []string       `json:"source_refs"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() Entity {
	clone := *e
	clone.Aliases = append([]string(nil), e.Aliases...)
	clone.SourceRefs = append([]string(nil), e.SourceRefs...)
	if e.Properties != nil {
		clone.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			clone.Properties[k] = v
		}
	}
	return clone
}

// Names returns the entity's name plus all aliases.
func (e *Entity) Names() []string {
	names := make([]string, 0, 1+len(e.Aliases))
	names = append(names, e.Name)
	names = append(names, e.Aliases...)
	return names
}

// Relation is a directed, typed edge between two entities. RelationName
// carries the oracle's free-form label ("嫉妒", "owes money to"), while
// Type buckets it into the closed set.
type Relation struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"source_id"`
	TargetID     string         `json:"target_id"`
	Type         RelationType   `json:"relation_type"`
	RelationName string         `json:"relation_name"`
	Description  string         `json:"description"`
	Properties   map[string]any `json:"properties"`
	SourceRefs   []string       `json:"source_refs"`
}

// Clone returns a deep copy of the relation.
func (r *Relation) Clone() Relation {
	clone := *r
	clone.SourceRefs = append([]string(nil), r.SourceRefs...)
	if r.Properties != nil {
		clone.Properties = make(map[string]any, len(r.Properties))
		for k, v := range r.Properties {
			clone.Properties[k] = v
		}
	}
	return clone
}

// Strength reads the optional "strength" property as a float, 0 if absent.
func (r *Relation) Strength() float64 {
	switch v := r.Properties["strength"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Graph is the knowledge graph of one project.
type Graph struct {
	ProjectID   string     `json:"project_id"`
	Entities    []Entity   `json:"entities"`
	Relations   []Relation `json:"relations"`
	LastUpdated time.Time  `json:"last_updated"`
}

// NewGraph returns an empty graph for the project with a fresh timestamp.
func NewGraph(projectID string) *Graph {
	return &Graph{
		ProjectID:   projectID,
		Entities:    []Entity{},
		Relations:   []Relation{},
		LastUpdated: time.Now().UTC(),
	}
}

// NewEntityID returns a fresh entity id.
func NewEntityID() string { return uuid.NewString() }

// NewRelationID returns a fresh relation id.
func NewRelationID() string { return uuid.NewString() }

// FindEntity returns the entity with the given id, or nil.
func (g *Graph) FindEntity(id string) *Entity {
	for i := range g.Entities {
		if g.Entities[i].ID == id {
			return &g.Entities[i]
		}
	}
	return nil
}

// FindRelation returns the relation with the given id, or nil.
func (g *Graph) FindRelation(id string) *Relation {
	for i := range g.Relations {
		if g.Relations[i].ID == id {
			return &g.Relations[i]
		}
	}
	return nil
}

// RelationsOf returns every relation incident to the entity id,
// regardless of direction.
func (g *Graph) RelationsOf(entityID string) []Relation {
	var incident []Relation
	for i := range g.Relations {
		if g.Relations[i].SourceID == entityID || g.Relations[i].TargetID == entityID {
			incident = append(incident, g.Relations[i])
		}
	}
	return incident
}

// Clone returns a deep copy of the graph. The Editor snapshots through
// this before every mutation so failed edits roll back cleanly.
func (g *Graph) Clone() *Graph {
	clone := &Graph{
		ProjectID:   g.ProjectID,
		Entities:    make([]Entity, len(g.Entities)),
		Relations:   make([]Relation, len(g.Relations)),
		LastUpdated: g.LastUpdated,
	}
	for i := range g.Entities {
		clone.Entities[i] = g.Entities[i].Clone()
	}
	for i := range g.Relations {
		clone.Relations[i] = g.Relations[i].Clone()
	}
	return clone
}

// Touch stamps LastUpdated with the current time.
func (g *Graph) Touch() {
	g.LastUpdated = time.Now().UTC()
}
