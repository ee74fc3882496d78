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

	"github.com/storyloom/storyloom/services/engine/version"
)

func versionParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid version number"})
		return 0, false
	}
	return v, true
}

func (e *engine) listVersions(c *gin.Context) {
	versions, err := e.versions.ListVersions(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

type createVersionRequest struct {
	Kind        version.Kind `json:"snapshot_type"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

func (e *engine) createVersion(c *gin.Context) {
	var req createVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	switch req.Kind {
	case "":
		req.Kind = version.KindManual
	case version.KindManual, version.KindMilestone:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "snapshot_type must be manual or milestone"})
		return
	}

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

	snapshot, err := e.versions.CreateSnapshot(ctx, proj, graph, req.Kind, req.Name, req.Description)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (e *engine) getVersion(c *gin.Context) {
	v, ok := versionParam(c, "version")
	if !ok {
		return
	}
	proj, graph, documents, err := e.versions.RestoreSnapshot(c.Request.Context(), c.Param("projectId"), v)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectExport{Project: proj, Graph: graph, Documents: documents})
}

func (e *engine) diffVersions(c *gin.Context) {
	fromV, ok := versionParam(c, "version")
	if !ok {
		return
	}
	toV, ok := versionParam(c, "toVersion")
	if !ok {
		return
	}

	diff, err := e.versions.CompareVersions(c.Request.Context(), c.Param("projectId"), fromV, toV)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// restoreVersion replaces the live project, graph, and vector index with
// the snapshot's contents.
func (e *engine) restoreVersion(c *gin.Context) {
	v, ok := versionParam(c, "version")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	projectID := c.Param("projectId")
	proj, graph, _, err := e.versions.RestoreSnapshot(ctx, projectID, v)
	if err != nil {
		httpError(c, err)
		return
	}

	if err := e.projects.Update(ctx, proj); err != nil {
		httpError(c, err)
		return
	}
	if err := e.graphs.Save(ctx, graph); err != nil {
		httpError(c, err)
		return
	}
	if err := e.indexer.ClearProject(ctx, projectID); err != nil {
		httpError(c, err)
		return
	}
	indexed, err := e.indexer.IndexProject(ctx, proj)
	if err != nil {
		httpError(c, err)
		return
	}

	e.hub.SyncProgress(ctx, projectID, "completed",
		map[string]any{"restored_version": v, "indexed_nodes": indexed})
	c.JSON(http.StatusOK, gin.H{"project": proj, "restored_version": v, "indexed_nodes": indexed})
}

type updateVersionRequest struct {
	Name        *string       `json:"name"`
	Description *string       `json:"description"`
	Kind        *version.Kind `json:"snapshot_type"`
}

func (e *engine) updateVersion(c *gin.Context) {
	v, ok := versionParam(c, "version")
	if !ok {
		return
	}
	var req updateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	snapshot, err := e.versions.UpdateMetadata(c.Request.Context(), c.Param("projectId"),
		v, req.Name, req.Description, req.Kind)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (e *engine) deleteVersion(c *gin.Context) {
	v, ok := versionParam(c, "version")
	if !ok {
		return
	}
	if err := e.versions.DeleteVersion(c.Request.Context(), c.Param("projectId"), v); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "version": v})
}
