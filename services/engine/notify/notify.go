// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify pushes sync and conflict events to connected editors.
// Notifications are a side channel: delivery failures never propagate
// into the operations that raised them.
package notify

import (
	"context"

	"github.com/storyloom/storyloom/services/engine/conflict"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/syncer"
)

// MessageType tags a websocket event.
type MessageType string

const (
	MessageNodeUpdated      MessageType = "node_updated"
	MessageNodeCreated      MessageType = "node_created"
	MessageNodeDeleted      MessageType = "node_deleted"
	MessageGraphUpdated     MessageType = "graph_updated"
	MessageConflictDetected MessageType = "conflict_detected"
	MessageSyncStarted      MessageType = "sync_started"
	MessageSyncCompleted    MessageType = "sync_completed"
	MessageSyncFailed       MessageType = "sync_failed"
	MessagePing             MessageType = "ping"
	MessagePong             MessageType = "pong"
)

// Message is the wire envelope for one event.
type Message struct {
	Type    MessageType    `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Notifier fans events out to a project's listeners.
type Notifier interface {
	NodeUpdated(ctx context.Context, projectID string, node *story.Node, updatedBy string)
	GraphUpdated(ctx context.Context, projectID string, result *syncer.SyncResult)
	ConflictDetected(ctx context.Context, projectID string, conflicts []conflict.Conflict)
	SyncProgress(ctx context.Context, projectID, status string, details map[string]any)
}

// Noop discards every event. Used when no transport is wired up.
type Noop struct{}

func (Noop) NodeUpdated(context.Context, string, *story.Node, string) {}

func (Noop) GraphUpdated(context.Context, string, *syncer.SyncResult) {}

func (Noop) ConflictDetected(context.Context, string, []conflict.Conflict) {}

func (Noop) SyncProgress(context.Context, string, string, map[string]any) {}
