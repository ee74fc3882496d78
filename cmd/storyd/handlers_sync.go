// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/storyloom/services/engine/conflict"
	"github.com/storyloom/storyloom/services/engine/retrieval"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/syncer"
)

type syncNodeRequest struct {
	ProjectID string     `json:"project_id" binding:"required"`
	Node      story.Node `json:"node" binding:"required"`
	RequestID string     `json:"request_id"`
}

type syncNodeResponse struct {
	Project    *story.Project      `json:"project"`
	SyncResult syncer.SyncResult   `json:"sync_result"`
	Conflicts  []conflict.Conflict `json:"conflicts"`
	SyncStatus string              `json:"sync_status"`
}

// syncNode applies one node edit: the project record is updated
// synchronously, then the indexes follow according to the configured
// sync modes. With an immediate graph mode the response carries the
// reconciliation result and any conflicts; otherwise the edit is queued
// and the outcome arrives over the websocket feed.
func (e *engine) syncNode(c *gin.Context) {
	var req syncNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Node.Validate(); err != nil {
		httpError(c, err)
		return
	}

	ctx := c.Request.Context()
	proj, err := e.projects.Get(ctx, req.ProjectID)
	if err != nil {
		httpError(c, err)
		return
	}

	// Capture the stored version before the upsert overwrites it.
	var oldNode *story.Node
	if found := proj.FindNode(req.Node.ID); found != nil {
		captured := *found
		oldNode = &captured
	}

	if _, err := e.versions.CreatePreSyncSnapshotIfNeeded(ctx, proj, oldNode, &req.Node); err != nil {
		e.logger.Warn("pre-sync snapshot failed", "project_id", req.ProjectID, "error", err)
	}

	e.hub.SyncProgress(ctx, req.ProjectID, "started",
		map[string]any{"node_id": req.Node.ID, "request_id": req.RequestID})

	proj.UpsertNode(req.Node)
	if err := e.projects.Update(ctx, proj); err != nil {
		httpError(c, err)
		return
	}
	e.hub.NodeUpdated(ctx, req.ProjectID, proj.FindNode(req.Node.ID), "user")

	result, err := e.queue.Submit(ctx, req.ProjectID, req.Node, oldNode)
	if err != nil {
		e.hub.SyncProgress(ctx, req.ProjectID, "failed",
			map[string]any{"error": err.Error(), "node_id": req.Node.ID, "request_id": req.RequestID})
		c.JSON(http.StatusOK, syncNodeResponse{
			Project:    proj,
			SyncResult: syncer.SyncResult{Warnings: []string{err.Error()}},
			Conflicts:  []conflict.Conflict{},
			SyncStatus: "failed",
		})
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, syncNodeResponse{
			Project:    proj,
			SyncResult: syncer.SyncResult{Success: true},
			Conflicts:  []conflict.Conflict{},
			SyncStatus: "pending",
		})
		return
	}

	e.hub.GraphUpdated(ctx, req.ProjectID, result)
	conflicts := e.detectAndNotify(c, req.ProjectID, proj)
	e.hub.SyncProgress(ctx, req.ProjectID, "completed",
		map[string]any{"node_id": req.Node.ID, "request_id": req.RequestID})

	c.JSON(http.StatusOK, syncNodeResponse{
		Project:    proj,
		SyncResult: *result,
		Conflicts:  conflicts,
		SyncStatus: "completed",
	})
}

func (e *engine) detectAndNotify(c *gin.Context, projectID string, proj *story.Project) []conflict.Conflict {
	ctx := c.Request.Context()
	graph, err := e.graphs.Load(ctx, projectID)
	if err != nil {
		e.logger.Warn("conflict check skipped, graph unavailable",
			"project_id", projectID, "error", err)
		return []conflict.Conflict{}
	}
	conflicts, err := e.detector.DetectConflicts(ctx, proj, graph)
	if err != nil {
		e.logger.Warn("conflict detection failed", "project_id", projectID, "error", err)
		return []conflict.Conflict{}
	}
	if len(conflicts) > 0 {
		e.hub.ConflictDetected(ctx, projectID, conflicts)
	}
	if conflicts == nil {
		conflicts = []conflict.Conflict{}
	}
	return conflicts
}

// flushSync reconciles every queued edit of a project right now,
// ignoring debounce and batch timers.
func (e *engine) flushSync(c *gin.Context) {
	projectID := c.Param("projectId")
	results, err := e.queue.Flush(c.Request.Context(), projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	if len(results) > 0 {
		e.hub.GraphUpdated(c.Request.Context(), projectID, &results[len(results)-1])
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (e *engine) listConflicts(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("projectId")

	proj, err := e.projects.Get(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	graph, err := e.graphs.Load(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	conflicts, err := e.detector.DetectConflicts(ctx, proj, graph)
	if err != nil {
		httpError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []conflict.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

// reindexProject rebuilds the vector index and the knowledge graph of a
// project from scratch.
func (e *engine) reindexProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("projectId")

	proj, err := e.projects.Get(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	result, graph, err := e.syncMgr.FullReindex(ctx, proj)
	if err != nil {
		httpError(c, err)
		return
	}
	if err := e.graphs.Save(ctx, graph); err != nil {
		httpError(c, err)
		return
	}
	e.hub.GraphUpdated(ctx, projectID, result)
	c.JSON(http.StatusOK, result)
}

type retrieveContextRequest struct {
	Query     string `json:"query" binding:"required"`
	MaxTokens int    `json:"max_tokens"`
}

func (e *engine) retrieveContext(c *gin.Context) {
	var req retrieveContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = e.config.Retrieval.MaxContextTokens
	}

	ctx := c.Request.Context()
	projectID := c.Param("projectId")
	if _, err := e.projects.Get(ctx, projectID); err != nil {
		httpError(c, err)
		return
	}
	graph, err := e.graphs.Load(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}

	retriever := retrieval.NewRetriever(graph, e.indexer, e.knowledge, e.logger.Slog())
	result, err := retriever.RetrieveContext(ctx, req.Query, projectID, req.MaxTokens)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (e *engine) characterGraph(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Query("project_id")
	characterID := c.Query("character_id")
	if projectID == "" || characterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "project_id and character_id are required"})
		return
	}
	depth := 2
	if v := c.Query("depth"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			depth = parsed
		}
	}

	graph, err := e.graphs.Load(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	retriever := retrieval.NewRetriever(graph, e.indexer, e.knowledge, e.logger.Slog())
	result, err := retriever.CharacterContext(ctx, characterID, depth)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
