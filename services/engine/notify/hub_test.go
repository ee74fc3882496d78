// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/services/engine/conflict"
	"github.com/storyloom/storyloom/services/engine/story"
	"github.com/storyloom/storyloom/services/engine/syncer"
)

var (
	_ Notifier = Noop{}
	_ Notifier = (*Hub)(nil)
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	router := gin.New()
	router.GET("/ws/:projectId", hub.Handler())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, wsURL
}

func dial(t *testing.T, wsURL, projectID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/"+projectID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func waitForSubscribers(t *testing.T, hub *Hub, projectID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(projectID) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeUpdatedReachesSubscriber(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws := dial(t, wsURL, "p1")
	waitForSubscribers(t, hub, "p1", 1)

	node := &story.Node{ID: "n1", Title: "Harbor Vigil", Content: "Lin Wei watches the harbor."}
	hub.NodeUpdated(context.Background(), "p1", node, "editor-1")

	msg := readMessage(t, ws)
	assert.Equal(t, MessageNodeUpdated, msg.Type)
	assert.Equal(t, "editor-1", msg.Payload["updated_by"])

	sent, ok := msg.Payload["node"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n1", sent["id"])
}

func TestBroadcastIsScopedToProject(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws1 := dial(t, wsURL, "p1")
	ws2 := dial(t, wsURL, "p2")
	waitForSubscribers(t, hub, "p1", 1)
	waitForSubscribers(t, hub, "p2", 1)

	hub.GraphUpdated(context.Background(), "p1", &syncer.SyncResult{Success: true, GraphUpdated: true})

	msg := readMessage(t, ws1)
	assert.Equal(t, MessageGraphUpdated, msg.Type)

	require.NoError(t, ws2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray Message
	assert.Error(t, ws2.ReadJSON(&stray))
}

func TestConflictDetectedCarriesCount(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws := dial(t, wsURL, "p1")
	waitForSubscribers(t, hub, "p1", 1)

	conflicts := []conflict.Conflict{
		{Type: conflict.TypeTimeline, Severity: "warning", NodeIDs: []string{"n1", "n2"}},
	}
	hub.ConflictDetected(context.Background(), "p1", conflicts)

	msg := readMessage(t, ws)
	assert.Equal(t, MessageConflictDetected, msg.Type)
	assert.Equal(t, float64(1), msg.Payload["count"])
}

func TestSyncProgressMapsStatusToMessageType(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws := dial(t, wsURL, "p1")
	waitForSubscribers(t, hub, "p1", 1)

	ctx := context.Background()
	hub.SyncProgress(ctx, "p1", "started", map[string]any{"node_id": "n1"})
	hub.SyncProgress(ctx, "p1", "failed", map[string]any{"error": "oracle unavailable"})
	hub.SyncProgress(ctx, "p1", "done", nil)

	msg := readMessage(t, ws)
	assert.Equal(t, MessageSyncStarted, msg.Type)
	assert.Equal(t, "started", msg.Payload["status"])
	assert.Equal(t, "n1", msg.Payload["node_id"])

	msg = readMessage(t, ws)
	assert.Equal(t, MessageSyncFailed, msg.Type)
	assert.Equal(t, "oracle unavailable", msg.Payload["error"])

	msg = readMessage(t, ws)
	assert.Equal(t, MessageSyncCompleted, msg.Type)
	assert.Equal(t, "done", msg.Payload["status"])
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws := dial(t, wsURL, "p1")
	waitForSubscribers(t, hub, "p1", 1)

	require.NoError(t, ws.WriteJSON(Message{Type: MessagePing}))
	msg := readMessage(t, ws)
	assert.Equal(t, MessagePong, msg.Type)
}

func TestDisconnectedSubscriberIsDropped(t *testing.T) {
	hub, wsURL := newTestHub(t)
	ws := dial(t, wsURL, "p1")
	waitForSubscribers(t, hub, "p1", 1)

	require.NoError(t, ws.Close())

	// The read loop notices the close; a failed broadcast write also
	// evicts the connection, whichever happens first.
	require.Eventually(t, func() bool {
		hub.Broadcast("p1", Message{Type: MessageGraphUpdated, Payload: map[string]any{}})
		return hub.SubscriberCount("p1") == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnregisterUnknownConnectionIsSafe(t *testing.T) {
	hub := NewHub(nil)
	hub.Unregister("p1", nil)
	assert.Zero(t, hub.SubscriberCount("p1"))
}
