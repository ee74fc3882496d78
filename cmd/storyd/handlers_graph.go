// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/storyloom/services/engine/kg"
)

func (e *engine) getGraph(c *gin.Context) {
	graph, err := e.graphs.Load(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

type updateEntityRequest struct {
	Name        *string         `json:"name"`
	Type        *kg.EntityType  `json:"type"`
	Description *string         `json:"description"`
	Aliases     *[]string       `json:"aliases"`
	Properties  *map[string]any `json:"properties"`
	SourceRefs  *[]string       `json:"source_refs"`
}

// updateEntity applies a manual edit to one graph entity. The edit is
// all-or-nothing: a validation failure leaves the stored graph as it
// was.
func (e *engine) updateEntity(c *gin.Context) {
	var req updateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	graph, err := e.graphs.Load(ctx, c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}

	editor := kg.NewEditor(graph)
	entity, err := editor.UpdateEntity(c.Param("entityId"), kg.EntityUpdate{
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Aliases:     req.Aliases,
		Properties:  req.Properties,
		SourceRefs:  req.SourceRefs,
	})
	if err != nil {
		httpError(c, err)
		return
	}
	if err := e.graphs.Save(ctx, editor.Graph()); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// deleteEntity removes an entity and cascades to every relation that
// touches it.
func (e *engine) deleteEntity(c *gin.Context) {
	ctx := c.Request.Context()
	entityID := c.Param("entityId")

	graph, err := e.graphs.Load(ctx, c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}

	editor := kg.NewEditor(graph)
	removedRelations, err := editor.DeleteEntity(entityID)
	if err != nil {
		httpError(c, err)
		return
	}
	if err := e.graphs.Save(ctx, editor.Graph()); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "deleted",
		"entity_id":         entityID,
		"removed_relations": removedRelations,
	})
}

type mergeEntitiesRequest struct {
	TargetEntityID string `json:"target_entity_id" binding:"required"`
}

// mergeEntities folds the entity in the path into the target named in
// the body.
func (e *engine) mergeEntities(c *gin.Context) {
	var req mergeEntitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	graph, err := e.graphs.Load(ctx, c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}

	editor := kg.NewEditor(graph)
	merged, err := editor.MergeEntities(c.Param("entityId"), req.TargetEntityID)
	if err != nil {
		httpError(c, err)
		return
	}
	if err := e.graphs.Save(ctx, editor.Graph()); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, merged)
}
