// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// docIDProperty stores the caller's document id inside each object, so
// results and deletions can speak the engine's id space rather than
// Weaviate's object UUIDs.
const docIDProperty = "docId"

// batchSize bounds one batch import request.
const batchSize = 100

// idNamespace makes object UUIDs a pure function of the document id, so
// re-adding a document overwrites it instead of duplicating it.
var idNamespace = uuid.MustParse("8d7aa5a3-6b2e-4a6e-9c40-1f6a54d0c9e1")

// WeaviateConfig configures the Weaviate adapter.
type WeaviateConfig struct {
	// Host is the host:port of the Weaviate instance.
	Host string

	// Scheme is "http" or "https".
	Scheme string

	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// Weaviate is a Store backed by a Weaviate instance with a text
// vectorizer module enabled. Each collection maps to one class.
type Weaviate struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviate connects to Weaviate with the given configuration.
func NewWeaviate(cfg WeaviateConfig) (*Weaviate, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("weaviate host is required")
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Weaviate{client: client, logger: logger}, nil
}

// classForCollection maps an engine collection name to a Weaviate class
// name: "story_nodes" becomes "StoryNodes".
func classForCollection(collection string) string {
	parts := strings.Split(collection, "_")
	var class strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		class.WriteString(strings.ToUpper(part[:1]))
		class.WriteString(part[1:])
	}
	return class.String()
}

// objectID derives the deterministic Weaviate object UUID for a doc id.
func objectID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(docID)).String())
}

// Add upserts documents via the batch API. Deterministic object ids make
// repeated adds overwrite in place.
func (w *Weaviate) Add(ctx context.Context, collection string, docs []Document) error {
	if err := validateDocs(docs); err != nil {
		return err
	}
	class := classForCollection(collection)

	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}

		objects := make([]*models.Object, 0, end-start)
		for _, doc := range docs[start:end] {
			properties := map[string]interface{}{
				docIDProperty: doc.ID,
				"content":     doc.Content,
			}
			for key, value := range doc.Metadata {
				properties[key] = value
			}
			objects = append(objects, &models.Object{
				Class:      class,
				ID:         objectID(doc.ID),
				Properties: properties,
			})
		}

		result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: batch import into %s: %v", ErrBackend, class, err)
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return fmt.Errorf("%w: import into %s: %s", ErrBackend, class, obj.Result.Errors.Error[0].Message)
			}
		}
	}

	w.logger.Debug("documents indexed", "collection", collection, "count", len(docs))
	return nil
}

// Search runs a nearText query restricted by the filter and returns up
// to topK hits with score = 1 - distance.
func (w *Weaviate) Search(ctx context.Context, collection, query string, topK int, filter Filter) ([]Result, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}
	class := classForCollection(collection)

	fields := []graphql.Field{
		{Name: docIDProperty},
		{Name: "content"},
		{Name: "_additional { distance }"},
	}

	builder := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearText(w.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})).
		WithLimit(topK)
	if whereFilter := buildWhere(filter); whereFilter != nil {
		builder = builder.WithWhere(whereFilter)
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", ErrBackend, class, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: search %s: %s", ErrBackend, class, result.Errors[0].Message)
	}

	return parseResults(result, class), nil
}

// DeleteByIDs deletes documents one by one. Unknown ids are ignored.
func (w *Weaviate) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	class := classForCollection(collection)
	for _, id := range ids {
		err := w.client.Data().Deleter().
			WithClassName(class).
			WithID(string(objectID(id))).
			Do(ctx)
		if err != nil && !strings.Contains(err.Error(), "404") {
			return fmt.Errorf("%w: delete %s from %s: %v", ErrBackend, id, class, err)
		}
	}
	return nil
}

// DeleteByFilter removes every object matching the filter.
func (w *Weaviate) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	whereFilter := buildWhere(filter)
	if whereFilter == nil {
		return fmt.Errorf("delete by filter requires a non-empty filter")
	}
	class := classForCollection(collection)

	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(class).
		WithWhere(whereFilter).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: delete by filter from %s: %v", ErrBackend, class, err)
	}
	return nil
}

func buildWhere(filter Filter) *filters.WhereBuilder {
	if len(filter) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	operands := make([]*filters.WhereBuilder, 0, len(keys))
	for _, key := range keys {
		clause := filters.Where().WithPath([]string{key}).WithOperator(filters.Equal)
		switch v := filter[key].(type) {
		case string:
			clause = clause.WithValueString(v)
		case float64:
			clause = clause.WithValueNumber(v)
		case int:
			clause = clause.WithValueInt(int64(v))
		case bool:
			clause = clause.WithValueBoolean(v)
		default:
			clause = clause.WithValueString(fmt.Sprint(v))
		}
		operands = append(operands, clause)
	}

	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func parseResults(response *models.GraphQLResponse, class string) []Result {
	data, ok := response.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}

	results := make([]Result, 0, len(objects))
	for _, obj := range objects {
		properties, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		result := Result{Metadata: make(map[string]any)}
		for key, value := range properties {
			switch key {
			case docIDProperty:
				result.ID, _ = value.(string)
			case "content":
				result.Content, _ = value.(string)
			case "_additional":
				if additional, ok := value.(map[string]interface{}); ok {
					if distance, ok := additional["distance"].(float64); ok {
						result.Score = 1 - distance
					}
				}
			default:
				result.Metadata[key] = value
			}
		}
		results = append(results, result)
	}
	return results
}
