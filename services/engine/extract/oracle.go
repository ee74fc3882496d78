// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract turns narrative text into knowledge graph updates. An
// Oracle proposes entities and relations for a piece of text given the
// existing graph; the Extractor drives it node by node and keeps source
// references accurate.
package extract

import (
	"context"
	"errors"

	"github.com/storyloom/storyloom/services/engine/kg"
)

// ErrOracleUnavailable reports that the extraction backend could not be
// reached. Sync paths treat it as a degraded, non-fatal condition.
var ErrOracleUnavailable = errors.New("extraction oracle unavailable")

// AliasMapping proposes that an existing entity is referred to by a new
// alias in the analyzed text.
type AliasMapping struct {
	EntityID string `json:"entity_id"`
	Alias    string `json:"alias"`
}

// Result is one extraction pass over a piece of text. Entities and
// relations are new with respect to the graph the oracle was shown;
// dedup against existing graph content is the caller's concern.
type Result struct {
	NewEntities     []kg.Entity    `json:"new_entities"`
	NewRelations    []kg.Relation  `json:"new_relations"`
	AliasMappings   []AliasMapping `json:"alias_mappings"`
	ConfidenceNotes []string       `json:"confidence_notes"`
}

// Empty reports whether the result carries no graph changes.
func (r Result) Empty() bool {
	return len(r.NewEntities) == 0 && len(r.NewRelations) == 0 &&
		len(r.AliasMappings) == 0
}

// Oracle extracts graph updates from text. Implementations must return
// an empty Result and nil error when extraction is impossible for
// environmental reasons (no credential, empty text); hard failures of a
// reachable backend may surface as errors wrapping ErrOracleUnavailable.
type Oracle interface {
	Extract(ctx context.Context, text string, existing *kg.Graph) (Result, error)
}
