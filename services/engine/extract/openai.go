// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/storyloom/storyloom/services/engine/kg"
)

const extractionPrompt = `You are a knowledge graph extractor for fiction writing.
Analyze the story text and extract entities and relations that are NOT already
in the inventory below. If the text refers to an inventory entity by a new
name, report it as an alias mapping instead of a new entity.

Entity types: character, location, item, event, organization, concept.
Relation types: family, friend, enemy, lover, master_student, colleague,
belongs_to, located_at, participates_in, related_to.

Existing entities:
%s

Story text:
%s

Respond with a single JSON object of this shape:
{
  "new_entities": [{"id": "", "name": "...", "type": "...", "description": "...", "aliases": [], "properties": {}}],
  "new_relations": [{"id": "", "source_id": "...", "target_id": "...", "relation_type": "...", "relation_name": "...", "description": "...", "properties": {}}],
  "alias_mappings": [{"entity_id": "...", "alias": "..."}],
  "confidence_notes": ["..."]
}
Leave ids empty for new entities and relations. Use inventory ids when a
relation endpoint is an existing entity. Respond with JSON only.`

// OpenAIConfig configures the OpenAI-backed oracle.
type OpenAIConfig struct {
	// APIKey authorizes requests. Empty disables extraction: the oracle
	// returns empty results instead of failing.
	APIKey string

	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL string

	// Model names the chat model, default "gpt-4o-mini".
	Model string

	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// OpenAIOracle extracts graph updates through the OpenAI chat API. It is
// deliberately forgiving: a missing credential, an unreachable backend,
// or malformed output all degrade to an empty result so authoring flows
// never block on the oracle.
type OpenAIOracle struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIOracle creates the oracle. With an empty APIKey the oracle is
// disabled and every Extract returns an empty result.
func NewOpenAIOracle(cfg OpenAIConfig) *OpenAIOracle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	oracle := &OpenAIOracle{model: model, logger: logger}
	if cfg.APIKey == "" {
		logger.Warn("extraction oracle disabled, no api key configured")
		return oracle
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	oracle.client = openai.NewClientWithConfig(clientConfig)
	return oracle
}

// Enabled reports whether the oracle has a credential.
func (o *OpenAIOracle) Enabled() bool {
	return o.client != nil
}

// Extract asks the model for graph updates. Blank ids on returned
// entities and relations are filled with fresh uuids.
func (o *OpenAIOracle) Extract(ctx context.Context, text string, existing *kg.Graph) (Result, error) {
	if strings.TrimSpace(text) == "" || o.client == nil {
		return Result{}, nil
	}

	prompt := fmt.Sprintf(extractionPrompt, serializeEntities(existing.Entities), text)
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		o.logger.Warn("extraction call failed", "error", err)
		return Result{}, nil
	}
	if len(resp.Choices) == 0 {
		o.logger.Warn("extraction returned no choices")
		return Result{}, nil
	}

	var result Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		o.logger.Warn("extraction output is not valid json", "error", err)
		return Result{}, nil
	}

	return sanitizeResult(result, o.logger), nil
}

// serializeEntities renders the entity inventory shown to the model.
func serializeEntities(entities []kg.Entity) string {
	if len(entities) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(entities))
	for _, entity := range entities {
		line := fmt.Sprintf("- %s: %s (%s)", entity.ID, entity.Name, entity.Type)
		if len(entity.Aliases) > 0 {
			line += fmt.Sprintf(" aliases=%s", strings.Join(entity.Aliases, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// sanitizeResult fills blank ids and drops entries with types outside
// the closed sets.
func sanitizeResult(result Result, logger *slog.Logger) Result {
	entities := result.NewEntities[:0]
	for _, entity := range result.NewEntities {
		if !entity.Type.Valid() {
			logger.Warn("dropping extracted entity with unknown type",
				"name", entity.Name, "type", entity.Type)
			continue
		}
		if entity.ID == "" {
			entity.ID = kg.NewEntityID()
		}
		entities = append(entities, entity)
	}
	result.NewEntities = entities

	relations := result.NewRelations[:0]
	for _, relation := range result.NewRelations {
		if !relation.Type.Valid() {
			logger.Warn("dropping extracted relation with unknown type",
				"relation_name", relation.RelationName, "type", relation.Type)
			continue
		}
		if relation.ID == "" {
			relation.ID = kg.NewRelationID()
		}
		relations = append(relations, relation)
	}
	result.NewRelations = relations
	return result
}
