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
)

type addKnowledgeRequest struct {
	Title    string `json:"title" binding:"required"`
	Category string `json:"category"`
	Content  string `json:"content" binding:"required"`
}

func (e *engine) addKnowledge(c *gin.Context) {
	var req addKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}

	doc, err := e.knowledge.AddDocument(c.Request.Context(), c.Param("projectId"),
		req.Title, req.Category, req.Content)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (e *engine) listKnowledge(c *gin.Context) {
	base, err := e.knowledge.KnowledgeBase(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, base)
}

func (e *engine) getKnowledge(c *gin.Context) {
	doc, err := e.knowledge.GetDocument(c.Request.Context(), c.Param("projectId"), c.Param("docId"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type updateKnowledgeRequest struct {
	Content string `json:"content" binding:"required"`
}

func (e *engine) updateKnowledge(c *gin.Context) {
	var req updateKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	doc, err := e.knowledge.UpdateDocument(c.Request.Context(), c.Param("projectId"),
		c.Param("docId"), req.Content)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (e *engine) deleteKnowledge(c *gin.Context) {
	docID := c.Param("docId")
	if err := e.knowledge.DeleteDocument(c.Request.Context(), c.Param("projectId"), docID); err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "document_id": docID})
}

type importKnowledgeRequest struct {
	Markdown string `json:"markdown" binding:"required"`
}

// importKnowledge splits a markdown file into documents by its top-level
// headings and indexes each one.
func (e *engine) importKnowledge(c *gin.Context) {
	var req importKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	docs, err := e.knowledge.ImportMarkdown(c.Request.Context(), c.Param("projectId"), req.Markdown)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"documents": docs, "count": len(docs)})
}

type searchKnowledgeRequest struct {
	Query      string   `json:"query" binding:"required"`
	Categories []string `json:"categories"`
	TopK       int      `json:"top_k"`
}

func (e *engine) searchKnowledge(c *gin.Context) {
	var req searchKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	results, err := e.knowledge.Search(c.Request.Context(), c.Param("projectId"),
		req.Query, req.Categories, req.TopK)
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}
