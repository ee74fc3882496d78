// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package story defines the narrative domain model: projects, nodes, and
// character profiles. These are the units authors edit; everything derived
// (search index, knowledge graph, snapshots) hangs off them.
package story

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation is returned when a model fails its invariants.
var ErrValidation = errors.New("validation failed")

// Node is an atomic narrative unit authored by a user.
//
// NarrativeOrder is the author-visible sequence (>= 1). TimelineOrder is the
// in-world chronology (> 0) and is independent of NarrativeOrder: a flashback
// has a high narrative order and a low timeline order.
type Node struct {
	ID             string   `json:"id" yaml:"id"`
	Title          string   `json:"title" yaml:"title"`
	Content        string   `json:"content" yaml:"content"`
	NarrativeOrder int      `json:"narrative_order" yaml:"narrative_order"`
	TimelineOrder  float64  `json:"timeline_order" yaml:"timeline_order"`
	LocationTag    string   `json:"location_tag" yaml:"location_tag"`
	Characters     []string `json:"characters" yaml:"characters"`
}

// Validate checks the node's ordering invariants and title.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: node title must not be empty", ErrValidation)
	}
	if n.NarrativeOrder < 1 {
		return fmt.Errorf("%w: narrative_order must be >= 1, got %d", ErrValidation, n.NarrativeOrder)
	}
	if n.TimelineOrder <= 0 {
		return fmt.Errorf("%w: timeline_order must be > 0, got %g", ErrValidation, n.TimelineOrder)
	}
	return nil
}

// Text returns the node's searchable text: title and content joined by a
// blank line, with blank parts dropped. This is the form both the search
// index and the edit-similarity check operate on.
func (n *Node) Text() string {
	parts := make([]string, 0, 2)
	if title := strings.TrimSpace(n.Title); title != "" {
		parts = append(parts, title)
	}
	if content := strings.TrimSpace(n.Content); content != "" {
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// Summary returns a one-line digest of the node for prompt context:
// the title plus the first 120 characters of content.
func (n *Node) Summary() string {
	content := strings.ReplaceAll(strings.TrimSpace(n.Content), "\n", " ")
	runes := []rune(content)
	if len(runes) > 120 {
		content = string(runes[:117]) + "..."
	}
	return fmt.Sprintf("%s: %s", n.Title, content)
}

// References reports whether the node explicitly lists the character id.
func (n *Node) References(characterID string) bool {
	for _, id := range n.Characters {
		if id == characterID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	clone.Characters = append([]string(nil), n.Characters...)
	return &clone
}

// CharacterProfile is an author-curated character sheet, distinct from the
// character entities the extractor derives from text.
type CharacterProfile struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name" yaml:"name"`
	Tags []string `json:"tags" yaml:"tags"`
	Bio  string   `json:"bio" yaml:"bio"`
}

// maxBioLength bounds the free-form bio so profiles stay prompt-sized.
const maxBioLength = 100

// Validate checks the profile's name and bio length.
func (p *CharacterProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: character name must not be empty", ErrValidation)
	}
	if len([]rune(p.Bio)) > maxBioLength {
		return fmt.Errorf("%w: bio must be within %d characters", ErrValidation, maxBioLength)
	}
	return nil
}

// Project is a story project: the owning container for nodes and characters.
type Project struct {
	ID         string             `json:"id" yaml:"id"`
	Title      string             `json:"title" yaml:"title"`
	WorldView  string             `json:"world_view" yaml:"world_view"`
	StyleTags  []string           `json:"style_tags" yaml:"style_tags"`
	Nodes      []Node             `json:"nodes" yaml:"nodes"`
	Characters []CharacterProfile `json:"characters" yaml:"characters"`
	CreatedAt  time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at" yaml:"updated_at"`
}

// NewProject creates an empty project with a fresh id and timestamps.
func NewProject(title, worldView string, styleTags []string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:        uuid.NewString(),
		Title:     title,
		WorldView: worldView,
		StyleTags: append([]string(nil), styleTags...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the project and every node and character in it.
// UpdatedAt is normalized forward to CreatedAt if it drifted behind.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: project title must not be empty", ErrValidation)
	}
	for i := range p.Nodes {
		if err := p.Nodes[i].Validate(); err != nil {
			return fmt.Errorf("node %s: %w", p.Nodes[i].ID, err)
		}
	}
	for i := range p.Characters {
		if err := p.Characters[i].Validate(); err != nil {
			return fmt.Errorf("character %s: %w", p.Characters[i].ID, err)
		}
	}
	if p.UpdatedAt.Before(p.CreatedAt) {
		p.UpdatedAt = p.CreatedAt
	}
	return nil
}

// FindNode returns the node with the given id, or nil.
func (p *Project) FindNode(nodeID string) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == nodeID {
			return &p.Nodes[i]
		}
	}
	return nil
}

// UpsertNode replaces the node with a matching id or appends it,
// returning the previous version if one existed.
func (p *Project) UpsertNode(node Node) *Node {
	for i := range p.Nodes {
		if p.Nodes[i].ID == node.ID {
			old := p.Nodes[i].Clone()
			p.Nodes[i] = node
			return old
		}
	}
	p.Nodes = append(p.Nodes, node)
	return nil
}

// RemoveNode deletes the node with the given id, reporting whether it existed.
func (p *Project) RemoveNode(nodeID string) bool {
	for i := range p.Nodes {
		if p.Nodes[i].ID == nodeID {
			p.Nodes = append(p.Nodes[:i], p.Nodes[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	clone := *p
	clone.StyleTags = append([]string(nil), p.StyleTags...)
	clone.Nodes = make([]Node, len(p.Nodes))
	for i := range p.Nodes {
		clone.Nodes[i] = *p.Nodes[i].Clone()
	}
	clone.Characters = make([]CharacterProfile, len(p.Characters))
	for i := range p.Characters {
		profile := p.Characters[i]
		profile.Tags = append([]string(nil), p.Characters[i].Tags...)
		clone.Characters[i] = profile
	}
	return &clone
}

// WordCount returns the character-count weight of the project's nodes,
// counting title, content, and location tag. Used by version diffs.
func (p *Project) WordCount() int {
	total := 0
	for i := range p.Nodes {
		total += len([]rune(p.Nodes[i].Content)) +
			len([]rune(p.Nodes[i].Title)) +
			len([]rune(p.Nodes[i].LocationTag))
	}
	return total
}
