// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/storyloom/storyloom/services/engine/conflict"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/syncer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks websocket subscribers per project and broadcasts events to
// them. A connection that fails a write is dropped from the hub; the
// remaining subscribers still receive the event.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register subscribes a connection to a project's events.
func (h *Hub) Register(projectID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[projectID] == nil {
		h.conns[projectID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[projectID][ws] = struct{}{}
	h.logger.Info("websocket client connected",
		"project_id", projectID, "subscribers", len(h.conns[projectID]))
}

// Unregister drops a connection. Safe to call for an unknown one.
func (h *Hub) Unregister(projectID string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(projectID, ws)
}

func (h *Hub) dropLocked(projectID string, ws *websocket.Conn) {
	set, ok := h.conns[projectID]
	if !ok {
		return
	}
	if _, ok := set[ws]; !ok {
		return
	}
	delete(set, ws)
	if len(set) == 0 {
		delete(h.conns, projectID)
	}
}

// SubscriberCount reports how many connections follow a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[projectID])
}

// Broadcast sends one message to every subscriber of a project.
// Connections whose write fails are closed and removed.
func (h *Hub) Broadcast(projectID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ws := range h.conns[projectID] {
		if err := ws.WriteJSON(msg); err != nil {
			h.logger.Warn("failed to write websocket JSON",
				"project_id", projectID, "type", msg.Type, "error", err)
			h.dropLocked(projectID, ws)
			_ = ws.Close()
		}
	}
}

// send writes to one connection under the hub lock, since writes may
// race with a broadcast and the connection allows a single writer.
func (h *Hub) send(ws *websocket.Conn, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ws.WriteJSON(msg)
}

// NodeUpdated broadcasts a node change to the node's project.
func (h *Hub) NodeUpdated(_ context.Context, projectID string, node *story.Node, updatedBy string) {
	h.Broadcast(projectID, Message{
		Type: MessageNodeUpdated,
		Payload: map[string]any{
			"node":       node,
			"updated_by": updatedBy,
		},
	})
}

// GraphUpdated broadcasts the outcome of a graph reconciliation.
func (h *Hub) GraphUpdated(_ context.Context, projectID string, result *syncer.SyncResult) {
	h.Broadcast(projectID, Message{
		Type:    MessageGraphUpdated,
		Payload: map[string]any{"sync_result": result},
	})
}

// ConflictDetected broadcasts freshly detected consistency conflicts.
func (h *Hub) ConflictDetected(_ context.Context, projectID string, conflicts []conflict.Conflict) {
	h.Broadcast(projectID, Message{
		Type: MessageConflictDetected,
		Payload: map[string]any{
			"conflicts": conflicts,
			"count":     len(conflicts),
		},
	})
}

// SyncProgress broadcasts a sync lifecycle event. Status "started" and
// "failed" map to their own message types; anything else reports
// completion.
func (h *Hub) SyncProgress(_ context.Context, projectID, status string, details map[string]any) {
	msgType := MessageSyncCompleted
	switch status {
	case "started":
		msgType = MessageSyncStarted
	case "failed":
		msgType = MessageSyncFailed
	}

	payload := map[string]any{"status": status}
	for k, v := range details {
		payload[k] = v
	}
	h.Broadcast(projectID, Message{Type: msgType, Payload: payload})
}

// Handler upgrades an HTTP request to a websocket subscription for the
// project named in the route. The read loop answers pings and exits
// when the client disconnects.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("projectId")
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade the websocket",
				"project_id", projectID, "error", err)
			return
		}
		defer ws.Close()

		h.Register(projectID, ws)
		defer h.Unregister(projectID, ws)

		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				h.logger.Info("websocket client disconnected",
					"project_id", projectID, "error", err.Error())
				return
			}
			if msg.Type == MessagePing {
				if err := h.send(ws, Message{Type: MessagePong}); err != nil {
					h.logger.Warn("failed to write websocket JSON",
						"project_id", projectID, "type", MessagePong, "error", err)
					return
				}
			}
		}
	}
}
