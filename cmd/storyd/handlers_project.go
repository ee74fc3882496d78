// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/project"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/syncer"
	"github.com/storyloom/storyloom/services/engine/version"
)

// httpError translates the engine's error taxonomy to HTTP statuses and
// the {"detail": ...} body shape clients expect.
func httpError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, project.ErrNotFound),
		errors.Is(err, kg.ErrNotFound),
		errors.Is(err, version.ErrNotFound),
		errors.Is(err, index.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, story.ErrValidation), errors.Is(err, kg.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, version.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, syncer.ErrConfiguration):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
}

func (e *engine) listProjects(c *gin.Context) {
	summaries, err := e.projects.List(c.Request.Context())
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": summaries})
}

type createProjectRequest struct {
	Title     string   `json:"title" binding:"required"`
	WorldView string   `json:"world_view"`
	StyleTags []string `json:"style_tags"`
}

func (e *engine) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	proj := story.NewProject(req.Title, req.WorldView, req.StyleTags)
	if err := proj.Validate(); err != nil {
		httpError(c, err)
		return
	}
	if err := e.projects.Create(c.Request.Context(), proj); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proj)
}

func (e *engine) getProject(c *gin.Context) {
	proj, err := e.projects.Get(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

func (e *engine) updateProject(c *gin.Context) {
	var proj story.Project
	if err := c.ShouldBindJSON(&proj); err != nil {
		badRequest(c, err)
		return
	}
	proj.ID = c.Param("projectId")
	if err := proj.Validate(); err != nil {
		httpError(c, err)
		return
	}
	if err := e.projects.Update(c.Request.Context(), &proj); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

// deleteProject removes the project and every piece of derived state:
// vector index entries, the knowledge graph, and all snapshots.
func (e *engine) deleteProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("projectId")

	if err := e.projects.Delete(ctx, projectID); err != nil {
		httpError(c, err)
		return
	}
	if err := e.indexer.ClearProject(ctx, projectID); err != nil {
		e.logger.Warn("failed to clear vector index", "project_id", projectID, "error", err)
	}
	if err := e.graphs.Delete(ctx, projectID); err != nil {
		e.logger.Warn("failed to delete graph", "project_id", projectID, "error", err)
	}
	if err := e.versions.DeleteProjectData(ctx, projectID); err != nil {
		e.logger.Warn("failed to delete snapshots", "project_id", projectID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "project_id": projectID})
}

// projectExport bundles everything needed to move a project between
// instances. The vector index is rebuilt on import, not carried.
type projectExport struct {
	Project   *story.Project   `json:"project"`
	Graph     *kg.Graph        `json:"knowledge_graph"`
	Documents []index.Document `json:"world_documents"`
}

func (e *engine) exportProject(c *gin.Context) {
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
	base, err := e.knowledge.KnowledgeBase(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectExport{Project: proj, Graph: graph, Documents: base.Documents})
}

func (e *engine) importProject(c *gin.Context) {
	var payload projectExport
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	if payload.Project == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "project is required"})
		return
	}
	if err := payload.Project.Validate(); err != nil {
		httpError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := e.projects.Create(ctx, payload.Project); err != nil {
		httpError(c, err)
		return
	}
	if payload.Graph != nil {
		payload.Graph.ProjectID = payload.Project.ID
		if err := e.graphs.Save(ctx, payload.Graph); err != nil {
			httpError(c, err)
			return
		}
	}
	for i := range payload.Documents {
		doc := payload.Documents[i]
		if _, err := e.knowledge.AddDocument(ctx, payload.Project.ID, doc.Title, doc.Category, doc.Content); err != nil {
			httpError(c, err)
			return
		}
	}
	indexed, err := e.indexer.IndexProject(ctx, payload.Project)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": payload.Project, "indexed_nodes": indexed})
}

func (e *engine) projectStats(c *gin.Context) {
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
	base, err := e.knowledge.KnowledgeBase(ctx, projectID)
	if err != nil {
		httpError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":       projectID,
		"node_count":       len(proj.Nodes),
		"character_count":  len(proj.Characters),
		"word_count":       proj.WordCount(),
		"entity_count":     len(graph.Entities),
		"relation_count":   len(graph.Relations),
		"document_count":   len(base.Documents),
		"total_chunks":     base.TotalChunks,
		"total_characters": base.TotalCharacters,
		"pending_syncs":    e.queue.PendingCount(projectID),
	})
}
