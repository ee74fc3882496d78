// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/storyloom/storyloom/services/engine/vectorstore"
)

// ErrDocumentNotFound reports an unknown world-knowledge document id.
var ErrDocumentNotFound = errors.New("document not found")

// untitledSection names markdown sections imported without a heading.
const untitledSection = "未命名世界观"

// knowledgeKeyPrefix namespaces document rows in the Badger keyspace.
const knowledgeKeyPrefix = "wk:"

// Document is one world-knowledge entry: setting notes, lore, factions.
// Chunks lists the vector store ids of its indexed pieces.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Chunks    []string  `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KnowledgeBase summarizes a project's world-knowledge holdings.
type KnowledgeBase struct {
	ProjectID       string     `json:"project_id"`
	Documents       []Document `json:"documents"`
	TotalChunks     int        `json:"total_chunks"`
	TotalCharacters int        `json:"total_characters"`
}

// KnowledgeManager owns world-knowledge documents: Badger for the
// documents themselves, the vector store for their chunks. Writes to
// one project are serialized by a per-project mutex.
type KnowledgeManager struct {
	db       *badger.DB
	vectors  vectorstore.Store
	splitter Splitter
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKnowledgeManager creates a KnowledgeManager. A nil splitter means
// ParagraphSplitter.
func NewKnowledgeManager(db *badger.DB, vectors vectorstore.Store, splitter Splitter, logger *slog.Logger) *KnowledgeManager {
	if splitter == nil {
		splitter = ParagraphSplitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeManager{
		db:       db,
		vectors:  vectors,
		splitter: splitter,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// projectLock returns the mutex serializing writes for one project.
func (m *KnowledgeManager) projectLock(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[projectID] = lock
	}
	return lock
}

func knowledgeKey(projectID string) []byte {
	return []byte(knowledgeKeyPrefix + projectID)
}

func (m *KnowledgeManager) loadDocuments(projectID string) ([]Document, error) {
	var docs []Document
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(knowledgeKey(projectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &docs)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load knowledge documents %s: %w", projectID, err)
	}
	return docs, nil
}

func (m *KnowledgeManager) saveDocuments(projectID string, docs []Document) error {
	payload, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal knowledge documents %s: %w", projectID, err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(knowledgeKey(projectID), payload)
	})
	if err != nil {
		return fmt.Errorf("save knowledge documents %s: %w", projectID, err)
	}
	return nil
}

func chunkMetadata(doc *Document, chunkIndex int, chunk Chunk) map[string]any {
	return map[string]any{
		"project_id":  doc.ProjectID,
		"document_id": doc.ID,
		"title":       doc.Title,
		"category":    doc.Category,
		"chunk_index": chunkIndex,
		"start_index": chunk.Start,
		"end_index":   chunk.End,
	}
}

// indexChunks splits the content and pushes the chunks into the vector
// store, returning the chunk ids.
func (m *KnowledgeManager) indexChunks(ctx context.Context, doc *Document) ([]string, error) {
	chunks := m.splitter.Split(doc.Content)
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]string, len(chunks))
	vdocs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		ids[i] = uuid.NewString()
		vdocs[i] = vectorstore.Document{
			ID:       ids[i],
			Content:  chunk.Content,
			Metadata: chunkMetadata(doc, i, chunk),
		}
	}
	if err := m.vectors.Add(ctx, vectorstore.CollectionWorldKnowledge, vdocs); err != nil {
		return nil, fmt.Errorf("index knowledge chunks for %s: %w", doc.ID, err)
	}
	return ids, nil
}

// AddDocument stores a new document and indexes its chunks.
func (m *KnowledgeManager) AddDocument(ctx context.Context, projectID, title, category, content string) (*Document, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	doc := Document{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		Category:  category,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	chunkIDs, err := m.indexChunks(ctx, &doc)
	if err != nil {
		return nil, err
	}
	doc.Chunks = chunkIDs

	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return nil, err
	}
	docs = append(docs, doc)
	if err := m.saveDocuments(projectID, docs); err != nil {
		return nil, err
	}

	m.logger.Info("knowledge document added",
		"project_id", projectID, "document_id", doc.ID, "chunks", len(doc.Chunks))
	return &doc, nil
}

// UpdateDocument replaces a document's content, re-indexing its chunks.
func (m *KnowledgeManager) UpdateDocument(ctx context.Context, projectID, docID, content string) (*Document, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return nil, err
	}
	pos := -1
	for i := range docs {
		if docs[i].ID == docID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}

	doc := docs[pos]
	if len(doc.Chunks) > 0 {
		if err := m.vectors.DeleteByIDs(ctx, vectorstore.CollectionWorldKnowledge, doc.Chunks); err != nil {
			return nil, fmt.Errorf("deindex chunks of %s: %w", docID, err)
		}
	}

	doc.Content = content
	doc.UpdatedAt = time.Now().UTC()
	chunkIDs, err := m.indexChunks(ctx, &doc)
	if err != nil {
		return nil, err
	}
	doc.Chunks = chunkIDs

	docs[pos] = doc
	if err := m.saveDocuments(projectID, docs); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document and its chunks. Unknown ids are a
// no-op.
func (m *KnowledgeManager) DeleteDocument(ctx context.Context, projectID, docID string) error {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return err
	}

	kept := docs[:0]
	var removed *Document
	for i := range docs {
		if docs[i].ID == docID {
			removed = &docs[i]
			continue
		}
		kept = append(kept, docs[i])
	}
	if removed == nil {
		return nil
	}

	if len(removed.Chunks) > 0 {
		if err := m.vectors.DeleteByIDs(ctx, vectorstore.CollectionWorldKnowledge, removed.Chunks); err != nil {
			return fmt.Errorf("deindex chunks of %s: %w", docID, err)
		}
	}
	return m.saveDocuments(projectID, kept)
}

// GetDocument returns the document, or nil when absent.
func (m *KnowledgeManager) GetDocument(ctx context.Context, projectID, docID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == docID {
			return &docs[i], nil
		}
	}
	return nil, nil
}

// ChunkRef is an indexed chunk with its vector store id.
type ChunkRef struct {
	ID         string
	DocumentID string
	Content    string
}

// Chunks reconstructs the indexed chunks of every document in the
// project, in document order. Chunk ids line up with what the vector
// store holds because both derive from the same splitter output.
func (m *KnowledgeManager) Chunks(ctx context.Context, projectID string) ([]ChunkRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return nil, err
	}

	var refs []ChunkRef
	for i := range docs {
		chunks := m.splitter.Split(docs[i].Content)
		if len(chunks) != len(docs[i].Chunks) {
			// Splitter changed since indexing; trust the stored ids only
			// as far as they align.
			m.logger.Warn("chunk count mismatch, skipping document",
				"document_id", docs[i].ID, "stored", len(docs[i].Chunks), "split", len(chunks))
			continue
		}
		for j, chunk := range chunks {
			refs = append(refs, ChunkRef{
				ID:         docs[i].Chunks[j],
				DocumentID: docs[i].ID,
				Content:    chunk.Content,
			})
		}
	}
	return refs, nil
}

// Search queries the project's knowledge chunks, optionally restricted
// to categories, best first.
func (m *KnowledgeManager) Search(ctx context.Context, projectID, query string, categories []string, topK int) ([]vectorstore.Result, error) {
	if len(categories) == 0 {
		return m.vectors.Search(ctx, vectorstore.CollectionWorldKnowledge, query, topK,
			vectorstore.Filter{"project_id": projectID})
	}

	// Equality-only filters, so one search per category, merged.
	var merged []vectorstore.Result
	for _, category := range categories {
		results, err := m.vectors.Search(ctx, vectorstore.CollectionWorldKnowledge, query, topK,
			vectorstore.Filter{"project_id": projectID, "category": category})
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// KnowledgeBase returns the project's documents and aggregate counts.
func (m *KnowledgeManager) KnowledgeBase(ctx context.Context, projectID string) (*KnowledgeBase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := m.loadDocuments(projectID)
	if err != nil {
		return nil, err
	}

	base := &KnowledgeBase{ProjectID: projectID, Documents: docs}
	for i := range docs {
		base.TotalChunks += len(docs[i].Chunks)
		base.TotalCharacters += len([]rune(docs[i].Content))
	}
	return base, nil
}

// ImportMarkdown splits markdown on "# " headings and adds one document
// per non-empty section, all under the "general" category. Text before
// the first heading gets a placeholder title.
func (m *KnowledgeManager) ImportMarkdown(ctx context.Context, projectID, markdown string) ([]Document, error) {
	sections := splitMarkdownSections(markdown)

	var docs []Document
	for _, section := range sections {
		if section.body == "" {
			continue
		}
		doc, err := m.AddDocument(ctx, projectID, section.title, "general", section.body)
		if err != nil {
			return docs, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

type markdownSection struct {
	title string
	body  string
}

func splitMarkdownSections(markdown string) []markdownSection {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}

	var sections []markdownSection
	title := untitledSection
	var body []string

	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "# ") {
			if len(body) > 0 {
				sections = append(sections, markdownSection{title: title, body: strings.TrimSpace(strings.Join(body, "\n"))})
				body = nil
			}
			title = strings.TrimSpace(line[2:])
			if title == "" {
				title = untitledSection
			}
			continue
		}
		body = append(body, line)
	}
	sections = append(sections, markdownSection{title: title, body: strings.TrimSpace(strings.Join(body, "\n"))})
	return sections
}
