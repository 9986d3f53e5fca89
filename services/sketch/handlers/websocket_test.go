// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
	"github.com/AleutianAI/AleutianSketch/services/sketch/middleware"
	"github.com/AleutianAI/AleutianSketch/services/sketch/observability"
	"github.com/AleutianAI/AleutianSketch/services/sketch/state"
	"github.com/AleutianAI/AleutianSketch/services/sketch/transcribe"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// stubTranscriber returns a fixed transcript or error.
type stubTranscriber struct {
	transcript string
	err        error
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	return s.transcript, s.err
}

// stubReasoner returns fixed actions or an error.
type stubReasoner struct {
	actions []datatypes.SketchAction
	err     error
}

func (s *stubReasoner) Actions(_ context.Context, _, _, _ string) ([]datatypes.SketchAction, error) {
	return s.actions, s.err
}

func strPtr(s string) *string { return &s }

func typePtr(t datatypes.NodeType) *datatypes.NodeType { return &t }

type wsTestEnv struct {
	registry *state.Registry
	deps     SketchDeps
	server   *httptest.Server
}

func newWSTestEnv(t *testing.T, transcriber transcribe.Transcriber, reasoner *stubReasoner) *wsTestEnv {
	t.Helper()

	registry := state.NewRegistry()
	deps := SketchDeps{
		Sessions:    registry,
		Verifier:    middleware.DevTokenVerifier{},
		Transcriber: transcriber,
		Reasoner:    reasoner,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		Version:     "test",
	}

	router := gin.New()
	router.GET("/v1/sketch/ws", HandleSketchWebSocket(deps))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsTestEnv{registry: registry, deps: deps, server: server}
}

func (env *wsTestEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/sketch/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

// readFrame reads one text frame and decodes the type tag.
func readFrame(t *testing.T, ws *websocket.Conn) (string, []byte) {
	t.Helper()
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var envelope datatypes.ControlEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope.Type, data
}

func expectConnected(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameConnected, frameType)

	var frame datatypes.ConnectedFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "test", frame.Version)
}

const testToken = "dev-token-abcdef"

// =============================================================================
// Connection Lifecycle Tests
// =============================================================================

func TestWebSocket_ConnectAndDisconnect(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)
	assert.Equal(t, 1, env.registry.ActiveCount())

	ws.Close()
	assert.Eventually(t, func() bool {
		return env.registry.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocket_InboundFramesRefreshActivity(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	// Let the connection age well past the sweep timeout used below, then
	// send a frame.
	time.Sleep(300 * time.Millisecond)
	feedback := `{"type": "feedback", "action_id": "a1", "feedback_type": "approve"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(feedback)))
	frameType, _ := readFrame(t, ws)
	require.Equal(t, datatypes.FrameFeedbackAck, frameType)

	// Expiry means idle, not old: the frame just refreshed the session, so
	// a sweep with a timeout shorter than the connection's age but longer
	// than the time since the last frame removes nothing.
	assert.Equal(t, 0, env.registry.CleanupExpired(200*time.Millisecond))
	assert.Equal(t, 1, env.registry.ActiveCount())
}

func TestWebSocket_AuthFailureCloses4001(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/sketch/ws?token=short"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4001, closeErr.Code)
	assert.Equal(t, 0, env.registry.ActiveCount())
}

// =============================================================================
// Audio Pipeline Tests
// =============================================================================

func TestWebSocket_AudioPipeline(t *testing.T) {
	reasoner := &stubReasoner{actions: []datatypes.SketchAction{
		{
			Action: datatypes.ActionCreateNode,
			ID:     "db",
			Label:  strPtr("Database"),
			Type:   typePtr(datatypes.NodeDatabase),
		},
	}}
	env := newWSTestEnv(t, &stubTranscriber{transcript: "add a database"}, reasoner)

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	audio := bytes.Repeat([]byte{0x01}, 2048)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, audio))

	// Transcript frame arrives before actions.
	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameTranscript, frameType)
	var transcript datatypes.TranscriptFrame
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "add a database", transcript.Text)

	frameType, data = readFrame(t, ws)
	require.Equal(t, datatypes.FrameActions, frameType)
	var actions datatypes.ActionsFrame
	require.NoError(t, json.Unmarshal(data, &actions))
	require.Len(t, actions.Actions, 1)
	assert.Equal(t, "db", actions.Actions[0].ID)

	// The action landed in the session graph and history was recorded.
	session, ok := env.registry.Get(env.userID(t))
	require.True(t, ok)
	session.Mu.Lock()
	defer session.Mu.Unlock()
	assert.Contains(t, session.Graph.Nodes, "db")
	assert.Equal(t, []string{"add a database"}, session.Graph.ConversationHistory)
}

func (env *wsTestEnv) userID(t *testing.T) string {
	t.Helper()
	userID, err := env.deps.Verifier.Verify(context.Background(), testToken)
	require.NoError(t, err)
	return userID
}

func TestWebSocket_AudioTooSmall(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{transcript: "never called"}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameError, frameType)
	assert.Contains(t, string(data), "too small")

	// The connection survives the error.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type": "feedback", "action_id": "a1", "feedback_type": "approve"}`)))
	frameType, _ = readFrame(t, ws)
	assert.Equal(t, datatypes.FrameFeedbackAck, frameType)
}

func TestWebSocket_NoSpeechDetected(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{transcript: ""}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0x01}, 512)))

	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameError, frameType)
	assert.Contains(t, string(data), "No speech detected")
}

func TestWebSocket_TranscriptionError(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{err: &transcribe.TranscriptionError{Reason: "API returned 500"}}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0x01}, 512)))

	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameError, frameType)
	assert.Contains(t, string(data), "Transcription failed")
}

func TestWebSocket_ReasoningErrorIsNonFatal(t *testing.T) {
	env := newWSTestEnv(t,
		&stubTranscriber{transcript: "do something impossible"},
		&stubReasoner{err: context.DeadlineExceeded})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0x01}, 512)))

	frameType, _ := readFrame(t, ws)
	require.Equal(t, datatypes.FrameTranscript, frameType)
	frameType, _ = readFrame(t, ws)
	require.Equal(t, datatypes.FrameError, frameType)

	// No history is recorded for a failed command.
	session, ok := env.registry.Get(env.userID(t))
	require.True(t, ok)
	session.Mu.Lock()
	defer session.Mu.Unlock()
	assert.Empty(t, session.Graph.ConversationHistory)
}

func TestWebSocket_RejectedActionsStillEchoed(t *testing.T) {
	reasoner := &stubReasoner{actions: []datatypes.SketchAction{
		{Action: datatypes.ActionCreateEdge, ID: "e1", SourceID: "ghost_a", TargetID: "ghost_b"},
	}}
	env := newWSTestEnv(t, &stubTranscriber{transcript: "connect the ghosts"}, reasoner)

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{0x01}, 512)))

	frameType, _ := readFrame(t, ws)
	require.Equal(t, datatypes.FrameTranscript, frameType)

	// Rejected actions still appear in the aggregated frame.
	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameActions, frameType)
	var actions datatypes.ActionsFrame
	require.NoError(t, json.Unmarshal(data, &actions))
	assert.Len(t, actions.Actions, 1)
}

// =============================================================================
// Control Frame Tests
// =============================================================================

func TestWebSocket_CanvasSyncAndReplay(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	// The snapshot is an opaque scene blob; the server must never inspect
	// or re-wrap it.
	snapshot := "excalidraw-scene-v2:opaque-blob"
	sync := `{"type": "canvas_sync", "snapshot": "` + snapshot + `", "graph": {"nodes": {"db": {"id": "db", "label": "DB", "type": "database"}}, "edges": []}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(sync)))

	// The sync is applied asynchronously from the client's point of view;
	// poll the session until it lands.
	userID := env.userID(t)
	assert.Eventually(t, func() bool {
		session, ok := env.registry.Get(userID)
		if !ok {
			return false
		}
		session.Mu.Lock()
		defer session.Mu.Unlock()
		return len(session.Graph.Nodes) == 1 && session.CanvasSnapshot == snapshot
	}, time.Second, 10*time.Millisecond)

	// A reconnect replays the stored blob verbatim right after connected,
	// with no frame envelope around it.
	ws2 := env.dial(t, testToken)
	expectConnected(t, ws2)
	msgType, data, err := ws2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, snapshot, string(data))
}

func TestWebSocket_CanvasSyncClampsHistory(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	history := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		history = append(history, fmt.Sprintf("command %d", i))
	}
	sync, err := json.Marshal(map[string]any{
		"type":     "canvas_sync",
		"snapshot": "scene",
		"graph": map[string]any{
			"nodes":                map[string]any{},
			"edges":                []any{},
			"conversation_history": history,
		},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, sync))

	// Only the most recent entries survive the sync.
	userID := env.userID(t)
	assert.Eventually(t, func() bool {
		session, ok := env.registry.Get(userID)
		if !ok {
			return false
		}
		session.Mu.Lock()
		defer session.Mu.Unlock()
		return len(session.Graph.ConversationHistory) == datatypes.HistoryLimit &&
			session.Graph.ConversationHistory[0] == "command 2"
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocket_FeedbackAck(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	feedback := `{"type": "feedback", "action_id": "act_42", "feedback_type": "undo"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(feedback)))

	frameType, data := readFrame(t, ws)
	require.Equal(t, datatypes.FrameFeedbackAck, frameType)

	var ack datatypes.FeedbackAckFrame
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, "act_42", ack.ActionID)
	assert.Equal(t, "recorded", ack.Status)
}

func TestWebSocket_UnknownControlFrameIgnored(t *testing.T) {
	env := newWSTestEnv(t, &stubTranscriber{}, &stubReasoner{})

	ws := env.dial(t, testToken)
	expectConnected(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type": "teleport"}`)))

	// The connection stays usable.
	feedback := `{"type": "feedback", "action_id": "a1", "feedback_type": "approve"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(feedback)))
	frameType, _ := readFrame(t, ws)
	assert.Equal(t, datatypes.FrameFeedbackAck, frameType)
}

// =============================================================================
// Misc Handler Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}

func TestReadinessCheck(t *testing.T) {
	registry := state.NewRegistry()
	registry.GetOrCreate("user_1")

	router := gin.New()
	router.GET("/ready", ReadinessCheck(registry, "1.2.3"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, float64(1), body["active_sessions"])
}
