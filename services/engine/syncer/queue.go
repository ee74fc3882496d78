// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/story"
)

// ErrConfiguration reports a queue used without a reconciliation
// manager. Fatal, never retried.
var ErrConfiguration = errors.New("sync queue requires a reconciliation manager")

// Mode selects when a sync target is brought up to date.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeDebounced Mode = "debounced"
	ModeBatch     Mode = "batch"
	ModeManual    Mode = "manual"
)

// Config sets independent modes per target and the scheduler's timing.
type Config struct {
	VectorMode          Mode `json:"vector_sync_mode" yaml:"vector_sync_mode"`
	GraphMode           Mode `json:"graph_sync_mode" yaml:"graph_sync_mode"`
	DebounceSeconds     int  `json:"debounce_seconds" yaml:"debounce_seconds"`
	BatchSize           int  `json:"batch_size" yaml:"batch_size"`
	BatchTimeoutSeconds int  `json:"batch_timeout_seconds" yaml:"batch_timeout_seconds"`
}

// DefaultConfig matches the scheduler's stock behavior: vectors update
// immediately, the graph follows after a short debounce.
func DefaultConfig() Config {
	return Config{
		VectorMode:          ModeImmediate,
		GraphMode:           ModeDebounced,
		DebounceSeconds:     5,
		BatchSize:           10,
		BatchTimeoutSeconds: 60,
	}
}

type pendingEdit struct {
	node       story.Node
	oldNode    *story.Node
	lastUpdate time.Time
}

// Queue schedules graph reconciliation per project. All operations
// share one mutex; see the concurrency note on Manager for what is
// deliberately not serialized beyond it.
type Queue struct {
	config  Config
	manager *Manager
	graphs  *kg.Store
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]*pendingEdit

	// now is swappable for deterministic scheduling tests.
	now func() time.Time
}

// NewQueue creates a sync queue. The manager may be nil for a pure
// buffer, but ProcessReady and Flush then fail with ErrConfiguration.
func NewQueue(config Config, manager *Manager, graphs *kg.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config:  config,
		manager: manager,
		graphs:  graphs,
		logger:  logger,
		pending: make(map[string]map[string]*pendingEdit),
		now:     time.Now,
	}
}

// Enqueue upserts a node edit into the project's pending set. The first
// known old version of a node is preserved across repeated edits unless
// a fresh one is supplied, so significance is judged against the text
// the last reconciliation actually saw.
func (q *Queue) Enqueue(projectID string, node story.Node, oldNode *story.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()

	edits, ok := q.pending[projectID]
	if !ok {
		edits = make(map[string]*pendingEdit)
		q.pending[projectID] = edits
	}

	if existing, ok := edits[node.ID]; ok {
		existing.node = node
		if oldNode != nil {
			existing.oldNode = oldNode
		}
		existing.lastUpdate = q.now()
		return
	}

	edits[node.ID] = &pendingEdit{node: node, oldNode: oldNode, lastUpdate: q.now()}
	queuePending.Inc()
}

// PendingCount returns the number of queued edits for a project.
func (q *Queue) PendingCount(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[projectID])
}

// ProcessReady reconciles every edit whose schedule has come due. In
// debounced mode a node is ready once it has been quiet for the
// debounce window; in batch mode a project's whole pending set is
// ready when it reaches the batch size or its oldest edit reaches the
// batch timeout. Other graph modes make this a no-op.
func (q *Queue) ProcessReady(ctx context.Context) ([]SyncResult, error) {
	if q.config.GraphMode != ModeDebounced && q.config.GraphMode != ModeBatch {
		return nil, nil
	}
	if q.manager == nil {
		return nil, ErrConfiguration
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	trigger := "debounce"
	if q.config.GraphMode == ModeBatch {
		trigger = "batch"
	}

	now := q.now()
	var results []SyncResult
	for projectID, edits := range q.pending {
		readyIDs := q.readyLocked(edits, now)
		if len(readyIDs) == 0 {
			continue
		}
		processed, err := q.reconcileLocked(ctx, projectID, readyIDs, trigger)
		if err != nil {
			return results, err
		}
		results = append(results, processed...)
	}
	return results, nil
}

func (q *Queue) readyLocked(edits map[string]*pendingEdit, now time.Time) []string {
	var readyIDs []string
	if q.config.GraphMode == ModeBatch {
		oldest := now
		for _, edit := range edits {
			if edit.lastUpdate.Before(oldest) {
				oldest = edit.lastUpdate
			}
		}
		batchReady := len(edits) >= q.config.BatchSize
		timeoutReady := now.Sub(oldest) >= time.Duration(q.config.BatchTimeoutSeconds)*time.Second
		if batchReady || timeoutReady {
			for nodeID := range edits {
				readyIDs = append(readyIDs, nodeID)
			}
		}
		return readyIDs
	}

	for nodeID, edit := range edits {
		if now.Sub(edit.lastUpdate) >= time.Duration(q.config.DebounceSeconds)*time.Second {
			readyIDs = append(readyIDs, nodeID)
		}
	}
	return readyIDs
}

// reconcileLocked processes the given node ids against one shared graph
// load, persisting once afterwards. A failure on one node is recorded
// as a failed result and does not abort the rest of the batch.
func (q *Queue) reconcileLocked(ctx context.Context, projectID string, nodeIDs []string, trigger string) ([]SyncResult, error) {
	graph, err := q.graphs.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", projectID, err)
	}

	edits := q.pending[projectID]
	var results []SyncResult
	for _, nodeID := range nodeIDs {
		edit, ok := edits[nodeID]
		if !ok {
			continue
		}
		delete(edits, nodeID)
		queuePending.Dec()

		result, err := q.manager.SyncNodeUpdate(ctx, projectID, edit.oldNode, &edit.node, graph)
		if err != nil {
			reconciliationFailures.WithLabelValues(trigger).Inc()
			q.logger.Error("node reconciliation failed",
				"project_id", projectID, "node_id", nodeID, "error", err)
			results = append(results, SyncResult{Warnings: []string{err.Error()}})
			continue
		}
		reconciliations.WithLabelValues(trigger).Inc()
		results = append(results, *result)
	}

	if len(results) > 0 {
		if err := q.graphs.Save(ctx, graph); err != nil {
			return results, fmt.Errorf("save graph %s: %w", projectID, err)
		}
	}
	if len(edits) == 0 {
		delete(q.pending, projectID)
	}
	return results, nil
}

// Flush reconciles every pending edit of a project regardless of
// timers. A no-op when the graph mode is manual.
func (q *Queue) Flush(ctx context.Context, projectID string) ([]SyncResult, error) {
	if q.config.GraphMode == ModeManual {
		return nil, nil
	}
	if q.manager == nil {
		return nil, ErrConfiguration
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	edits := q.pending[projectID]
	if len(edits) == 0 {
		return nil, nil
	}
	nodeIDs := make([]string, 0, len(edits))
	for nodeID := range edits {
		nodeIDs = append(nodeIDs, nodeID)
	}
	return q.reconcileLocked(ctx, projectID, nodeIDs, "flush")
}

// Submit routes one edit according to the configured modes: immediate
// graph mode reconciles synchronously; otherwise the vector index is
// updated right away when its mode is immediate and the graph work is
// queued. Returns the reconciliation result for the immediate path,
// nil when the edit was only queued.
func (q *Queue) Submit(ctx context.Context, projectID string, node story.Node, oldNode *story.Node) (*SyncResult, error) {
	if q.config.GraphMode == ModeImmediate {
		if q.manager == nil {
			return nil, ErrConfiguration
		}
		graph, err := q.graphs.Load(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("load graph %s: %w", projectID, err)
		}
		result, err := q.manager.SyncNodeUpdate(ctx, projectID, oldNode, &node, graph)
		if err != nil {
			reconciliationFailures.WithLabelValues("immediate").Inc()
			return nil, err
		}
		if err := q.graphs.Save(ctx, graph); err != nil {
			return nil, fmt.Errorf("save graph %s: %w", projectID, err)
		}
		reconciliations.WithLabelValues("immediate").Inc()
		return result, nil
	}

	if q.config.VectorMode == ModeImmediate && q.manager != nil {
		if err := q.manager.indexer.IndexNode(ctx, projectID, &node); err != nil {
			return nil, fmt.Errorf("index node %s: %w", node.ID, err)
		}
	}
	q.Enqueue(projectID, node, oldNode)
	return nil, nil
}

// Run drains the queue on the given interval until the context ends.
// A failed cycle is logged and the loop keeps going.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessReady(ctx); err != nil {
				q.logger.Error("sync queue cycle failed", "error", err)
			}
		}
	}
}
