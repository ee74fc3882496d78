// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conflict inspects a project and its knowledge graph for
// narrative inconsistencies. All findings are advisory and never block
// a write.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeTimeline  Type = "timeline"
	TypeCharacter Type = "character"
	TypeRelation  Type = "relation"
	TypeWorldRule Type = "world_rule"
)

// Conflict is one advisory finding.
type Conflict struct {
	Type        Type     `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	NodeIDs     []string `json:"node_ids"`
	EntityIDs   []string `json:"entity_ids"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Keyword sets classifying character mentions. The narrative corpus is
// bilingual, so both scripts are matched.
var (
	deathKeywords = []string{"死亡", "死去", "身亡", "葬", "牺牲",
		"died", "dies", "death", "killed", "buried", "perished"}
	aliveKeywords = []string{"出现", "现身", "活着", "归来", "重逢",
		"appears", "appeared", "alive", "returns", "returned", "reunited"}
)

// Detector runs the consistency checks. Stateless.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a conflict detector.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// DetectConflicts runs the timeline check over the whole project and
// the character-consistency check over every character entity that is
// mentioned anywhere.
func (d *Detector) DetectConflicts(ctx context.Context, project *story.Project, graph *kg.Graph) ([]Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conflicts := d.CheckTimeline(project.Nodes)
	for i := range graph.Entities {
		entity := &graph.Entities[i]
		if entity.Type != kg.EntityCharacter {
			continue
		}
		mentions := characterMentions(entity, project.Nodes)
		if len(mentions) == 0 {
			continue
		}
		conflicts = append(conflicts, d.CheckCharacter(entity, mentions)...)
	}
	if len(conflicts) > 0 {
		d.logger.Info("conflicts detected", "project_id", project.ID, "count", len(conflicts))
	}
	return conflicts, nil
}

// CheckTimeline flags adjacent narrative-order pairs whose in-world
// chronology runs backwards. Only adjacent pairs are compared, so a
// regression spanning several nodes surfaces as its boundary pair.
func (d *Detector) CheckTimeline(nodes []story.Node) []Conflict {
	if len(nodes) < 2 {
		return nil
	}

	ordered := make([]story.Node, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].NarrativeOrder < ordered[j].NarrativeOrder
	})

	var conflicts []Conflict
	for i := 1; i < len(ordered); i++ {
		previous, current := &ordered[i-1], &ordered[i]
		if current.TimelineOrder >= previous.TimelineOrder {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type:     TypeTimeline,
			Severity: "warning",
			Description: fmt.Sprintf(
				"叙事顺序 %d 的时间线早于上一节点，可能存在时间线逆序。", current.NarrativeOrder),
			NodeIDs:    []string{previous.ID, current.ID},
			Suggestion: "请检查时间轴位置是否需要调整。",
		})
	}
	return conflicts
}

// CheckCharacter flags reappearance mentions that postdate the
// character's earliest death mention on the in-world timeline.
func (d *Detector) CheckCharacter(character *kg.Entity, mentions []story.Node) []Conflict {
	var deathNodes, aliveNodes []story.Node
	for i := range mentions {
		content := mentions[i].Content
		if containsAny(content, deathKeywords) {
			deathNodes = append(deathNodes, mentions[i])
		}
		if containsAny(content, aliveKeywords) {
			aliveNodes = append(aliveNodes, mentions[i])
		}
	}
	if len(deathNodes) == 0 || len(aliveNodes) == 0 {
		return nil
	}

	earliest := deathNodes[0]
	for _, node := range deathNodes[1:] {
		if node.TimelineOrder < earliest.TimelineOrder {
			earliest = node
		}
	}

	nodeIDs := []string{earliest.ID}
	for _, node := range aliveNodes {
		if node.TimelineOrder > earliest.TimelineOrder {
			nodeIDs = append(nodeIDs, node.ID)
		}
	}
	if len(nodeIDs) == 1 {
		return nil
	}

	return []Conflict{{
		Type:     TypeCharacter,
		Severity: "warning",
		Description: fmt.Sprintf(
			"角色 %s 在时间线 %g 之后仍有出场记录，可能与死亡描述冲突。",
			character.Name, earliest.TimelineOrder),
		NodeIDs:    nodeIDs,
		EntityIDs:  []string{character.ID},
		Suggestion: "若角色复活或为回忆情节，请在节点说明中标注。",
	}}
}

// characterMentions collects nodes referencing the character by id or
// by literal name/alias occurrence in content, case-insensitively.
func characterMentions(character *kg.Entity, nodes []story.Node) []story.Node {
	name := strings.ToLower(character.Name)
	aliases := make([]string, len(character.Aliases))
	for i, alias := range character.Aliases {
		aliases[i] = strings.ToLower(alias)
	}

	var mentions []story.Node
	for i := range nodes {
		node := nodes[i]
		if node.References(character.ID) {
			mentions = append(mentions, node)
			continue
		}
		content := strings.ToLower(node.Content)
		if name != "" && strings.Contains(content, name) {
			mentions = append(mentions, node)
			continue
		}
		for _, alias := range aliases {
			if alias != "" && strings.Contains(content, alias) {
				mentions = append(mentions, node)
				break
			}
		}
	}
	return mentions
}

func containsAny(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
