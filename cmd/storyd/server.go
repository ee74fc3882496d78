// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom/pkg/logging"
	"github.com/storyloom/storyloom/pkg/storage/badgerdb"
	"github.com/storyloom/storyloom/services/engine/config"
	"github.com/storyloom/storyloom/services/engine/conflict"
	"github.com/storyloom/storyloom/services/engine/extract"
	"github.com/storyloom/storyloom/services/engine/index"
	"github.com/storyloom/storyloom/services/engine/kg"
	"github.com/storyloom/storyloom/services/engine/notify"
	"github.com/storyloom/storyloom/services/engine/project"
	"github.com/storyloom/storyloom/services/engine/syncer"
	"github.com/storyloom/storyloom/services/engine/vectorstore"
	"github.com/storyloom/storyloom/services/engine/version"
)

const (
	queueDrainInterval = time.Second
	shutdownTimeout    = 10 * time.Second
)

// engine owns every component of the running service and the storage
// handles they share.
type engine struct {
	config config.Config
	logger *logging.Logger
	db     *badger.DB

	vectors   vectorstore.Store
	projects  *project.Store
	graphs    *kg.Store
	indexer   *index.NodeIndexer
	knowledge *index.KnowledgeManager
	syncMgr   *syncer.Manager
	queue     *syncer.Queue
	versions  *version.Manager
	detector  *conflict.Detector
	hub       *notify.Hub
}

func newEngine(cfg config.Config) (*engine, error) {
	gin.SetMode(gin.ReleaseMode)
	logger := logging.New(cfg.Logging.ToLogging("storyd"))
	slogger := logger.Slog()

	dataDir := config.DataConfig{Dir: expandHome(cfg.Data.Dir)}
	db, err := badgerdb.OpenWithPath(dataDir.IndexDir())
	if err != nil {
		logger.Close()
		return nil, err
	}

	var vectors vectorstore.Store
	switch cfg.VectorStore.Provider {
	case "weaviate":
		vectors, err = vectorstore.NewWeaviate(vectorstore.WeaviateConfig{
			Host:   cfg.VectorStore.Host,
			Scheme: cfg.VectorStore.Scheme,
			Logger: slogger,
		})
		if err != nil {
			db.Close()
			logger.Close()
			return nil, fmt.Errorf("connect vector store: %w", err)
		}
	default:
		vectors = vectorstore.NewMemory()
	}

	apiKey := cfg.Oracle.APIKey
	if cfg.Oracle.Provider == "none" {
		apiKey = ""
	}
	oracle := extract.NewOpenAIOracle(extract.OpenAIConfig{
		APIKey:  apiKey,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		Logger:  slogger,
	})

	projects := project.NewStore(db, slogger)
	graphs := kg.NewStore(db, slogger)
	indexer := index.NewNodeIndexer(vectors, projects, slogger)
	knowledge := index.NewKnowledgeManager(db, vectors, index.ParagraphSplitter{}, slogger)
	extractor := extract.NewExtractor(oracle, slogger)
	syncMgr := syncer.NewManager(indexer, extractor, slogger)
	queue := syncer.NewQueue(cfg.Sync, syncMgr, graphs, slogger)
	versionStorage := version.NewStorage(dataDir.SnapshotDir(), db, slogger)
	versions := version.NewManager(versionStorage, cfg.Versioning.ToVersion(),
		knowledge, projects, graphs, slogger)

	return &engine{
		config:    cfg,
		logger:    logger,
		db:        db,
		vectors:   vectors,
		projects:  projects,
		graphs:    graphs,
		indexer:   indexer,
		knowledge: knowledge,
		syncMgr:   syncMgr,
		queue:     queue,
		versions:  versions,
		detector:  conflict.NewDetector(slogger),
		hub:       notify.NewHub(slogger),
	}, nil
}

// run serves HTTP and drives the background loops until the context is
// canceled, then shuts the server down gracefully.
func (e *engine) run(ctx context.Context) error {
	server := &http.Server{
		Addr:    e.config.Server.Addr(),
		Handler: e.router(),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e.logger.Info("storyd listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		e.queue.Run(ctx, queueDrainInterval)
		return nil
	})
	group.Go(func() error {
		e.versions.Run(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	e.logger.Info("storyd stopped")
	return err
}

// Close releases storage handles. Safe after a failed run.
func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		e.logger.Error("failed to close database", "error", err)
	}
	if err := e.logger.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "failed to close log file:", err)
	}
}

func (e *engine) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", e.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/:projectId", e.hub.Handler())

	api := router.Group("/api")
	{
		api.POST("/sync_node", e.syncNode)
		api.GET("/character_graph", e.characterGraph)

		api.GET("/projects", e.listProjects)
		api.POST("/projects", e.createProject)
		api.POST("/projects/import", e.importProject)
		api.GET("/projects/:projectId", e.getProject)
		api.PUT("/projects/:projectId", e.updateProject)
		api.DELETE("/projects/:projectId", e.deleteProject)
		api.GET("/projects/:projectId/export", e.exportProject)
		api.GET("/projects/:projectId/stats", e.projectStats)
		api.POST("/projects/:projectId/context", e.retrieveContext)
		api.GET("/projects/:projectId/conflicts", e.listConflicts)
		api.POST("/projects/:projectId/sync/flush", e.flushSync)
		api.POST("/projects/:projectId/reindex", e.reindexProject)

		api.GET("/projects/:projectId/graph", e.getGraph)
		api.PUT("/projects/:projectId/graph/entities/:entityId", e.updateEntity)
		api.DELETE("/projects/:projectId/graph/entities/:entityId", e.deleteEntity)
		api.POST("/projects/:projectId/graph/entities/:entityId/merge", e.mergeEntities)

		api.POST("/projects/:projectId/knowledge", e.addKnowledge)
		api.GET("/projects/:projectId/knowledge", e.listKnowledge)
		api.POST("/projects/:projectId/knowledge/import", e.importKnowledge)
		api.POST("/projects/:projectId/knowledge/search", e.searchKnowledge)
		api.GET("/projects/:projectId/knowledge/:docId", e.getKnowledge)
		api.PUT("/projects/:projectId/knowledge/:docId", e.updateKnowledge)
		api.DELETE("/projects/:projectId/knowledge/:docId", e.deleteKnowledge)

		api.GET("/projects/:projectId/versions", e.listVersions)
		api.POST("/projects/:projectId/versions", e.createVersion)
		api.GET("/projects/:projectId/versions/:version", e.getVersion)
		api.GET("/projects/:projectId/versions/:version/diff/:toVersion", e.diffVersions)
		api.POST("/projects/:projectId/versions/:version/restore", e.restoreVersion)
		api.PUT("/projects/:projectId/versions/:version", e.updateVersion)
		api.DELETE("/projects/:projectId/versions/:version", e.deleteVersion)
	}
	return router
}

func (e *engine) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildVersion})
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
