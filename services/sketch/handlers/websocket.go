// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP and websocket entry points for the
// sketch service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
	"github.com/AleutianAI/AleutianSketch/services/sketch/middleware"
	"github.com/AleutianAI/AleutianSketch/services/sketch/observability"
	"github.com/AleutianAI/AleutianSketch/services/sketch/reason"
	"github.com/AleutianAI/AleutianSketch/services/sketch/state"
	"github.com/AleutianAI/AleutianSketch/services/sketch/transcribe"
)

var tracer = otel.Tracer("aleutian.sketch.handlers")

// closeCodeAuthFailed is sent when the connection token does not resolve to
// an identity. It is in the application range (4000-4999) so clients can
// distinguish it from transport-level closes.
const closeCodeAuthFailed = 4001

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// 10MB Read Buffer, sized to the audio upper bound
	ReadBufferSize: 10 * 1024 * 1024,
	// 10MB Write Buffer
	WriteBufferSize: 10 * 1024 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// SketchDeps bundles the collaborators of the websocket orchestrator.
type SketchDeps struct {
	Sessions    state.SessionStore
	Verifier    middleware.TokenVerifier
	Transcriber transcribe.Transcriber
	Reasoner    reason.Reasoner
	Metrics     *observability.Metrics
	Version     string
}

// HandleSketchWebSocket owns the connection lifecycle: authenticate, bind
// the session, replay the last canvas snapshot, then serve the read loop
// until the client disconnects.
//
// # Frame Protocol
//
// Binary frames carry raw audio and drive the transcribe-reason-apply
// pipeline. Text frames are JSON control messages tagged by "type"
// (canvas_sync, feedback). All outbound frames are JSON tagged the same way.
// Pipeline failures are reported as error frames and never close the
// connection; only disconnect and failed authentication end it.
func HandleSketchWebSocket(deps SketchDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ctx := c.Request.Context()

		userID, err := deps.Verifier.Verify(ctx, token)
		if err != nil {
			slog.Warn("websocket authentication failed", "error", err)
			deps.Metrics.RecordConnection(false)
			deps.Metrics.RecordError(observability.ErrorCodeAuth)
			msg := websocket.FormatCloseMessage(closeCodeAuthFailed, "authentication failed")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		// Connection id for log correlation; sessions are keyed by user, so
		// two tabs of the same user share a session but not a connection id.
		connID := uuid.New().String()

		session := deps.Sessions.GetOrCreate(userID)
		deps.Metrics.RecordConnection(true)
		deps.Metrics.ActiveSessions.Set(float64(deps.Sessions.ActiveCount()))
		slog.Info("websocket client connected", "user_id", userID, "conn_id", connID)

		defer func() {
			deps.Sessions.Remove(userID)
			deps.Metrics.ActiveSessions.Set(float64(deps.Sessions.ActiveCount()))
			slog.Info("websocket client disconnected", "user_id", userID, "conn_id", connID)
		}()

		if err := sendJSON(ws, datatypes.ConnectedFrame{
			Type:    datatypes.FrameConnected,
			Message: "Connected to sketch service",
			Version: deps.Version,
		}); err != nil {
			return // Close if we can't even send the first frame
		}

		// Replay the last canvas snapshot verbatim so a reconnecting client
		// can restore its view before sending anything.
		session.Mu.Lock()
		snapshot := session.CanvasSnapshot
		session.Mu.Unlock()
		if snapshot != "" {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(snapshot)); err != nil {
				slog.Warn("failed to replay canvas snapshot", "user_id", userID, "error", err)
				return
			}
		}

		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				slog.Info("websocket read ended", "user_id", userID, "error", err.Error())
				return
			}

			// Every inbound frame counts as activity. Re-binding through the
			// store refreshes the idle timestamp so a busy connection is
			// never swept, and restores the session if an idle sweep removed
			// it between frames.
			session = deps.Sessions.GetOrCreate(userID)

			switch msgType {
			case websocket.BinaryMessage:
				handleAudioFrame(ctx, ws, session, deps, data)
			case websocket.TextMessage:
				handleControlFrame(ws, session, deps, data)
			default:
				// Ping/pong are handled by gorilla; anything else is ignored.
			}
		}
	}
}

// handleAudioFrame runs one voice command through the full pipeline:
// transcribe, reason, apply, respond. Every failure is reported as an error
// frame; the connection stays open. A recover guard ensures an unexpected
// panic in one cycle cannot take the connection down silently.
func handleAudioFrame(ctx context.Context, ws *websocket.Conn,
	session *state.Session, deps SketchDeps, audio []byte) {

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in audio pipeline", "user_id", session.UserID, "panic", r)
			deps.Metrics.RecordError(observability.ErrorCodeInternal)
			_ = sendJSON(ws, datatypes.NewErrorFrame("Internal error processing audio. Please try again."))
		}
	}()

	ctx, span := tracer.Start(ctx, "handleAudioFrame")
	defer span.End()

	deps.Metrics.RecordFrame(observability.FrameKindAudio)
	deps.Metrics.AudioBytes.Observe(float64(len(audio)))

	// Size bounds are enforced here, before any network call, in addition to
	// the transcriber's own checks.
	if len(audio) < transcribe.MinAudioBytes {
		deps.Metrics.RecordError(observability.ErrorCodeAudioBounds)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Audio data too small. Please record a longer clip."))
		return
	}
	if len(audio) > transcribe.MaxAudioBytes {
		deps.Metrics.RecordError(observability.ErrorCodeAudioBounds)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Audio data too large (maximum 10MB)."))
		return
	}

	transcribeStart := time.Now()
	transcript, err := deps.Transcriber.Transcribe(ctx, audio)
	deps.Metrics.TranscriptionSeconds.Observe(time.Since(transcribeStart).Seconds())
	if err != nil {
		slog.Error("transcription failed", "user_id", session.UserID, "error", err)
		deps.Metrics.RecordError(observability.ErrorCodeTranscription)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Transcription failed. Please try again."))
		return
	}
	if transcript == "" {
		_ = sendJSON(ws, datatypes.NewErrorFrame("No speech detected - please speak clearly"))
		return
	}

	// The transcript goes out before reasoning so the client can show the
	// recognized text while the model is still thinking.
	if err := sendJSON(ws, datatypes.TranscriptFrame{
		Type: datatypes.FrameTranscript,
		Text: transcript,
	}); err != nil {
		return
	}

	// Summaries are read under the session lock, but the lock is released
	// before the reasoning call. Holding a session lock across a network
	// call would stall the expiry sweep and any concurrent frame.
	session.Mu.Lock()
	graphSummary := session.Graph.ToSummary()
	historySummary := session.Graph.HistorySummary(5)
	session.Mu.Unlock()

	reasonStart := time.Now()
	actions, err := deps.Reasoner.Actions(ctx, transcript, graphSummary, historySummary)
	deps.Metrics.ReasoningSeconds.Observe(time.Since(reasonStart).Seconds())
	if err != nil {
		var reasoningErr *reason.ReasoningError
		if errors.As(err, &reasoningErr) {
			slog.Error("reasoning failed", "user_id", session.UserID,
				"attempts", reasoningErr.Attempts, "error", reasoningErr.Err)
		} else {
			slog.Error("reasoning failed", "user_id", session.UserID, "error", err)
		}
		deps.Metrics.RecordError(observability.ErrorCodeReasoning)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Could not generate diagram actions. Please rephrase and try again."))
		return
	}

	// The whole batch is applied under one lock hold so no concurrent frame
	// observes a half-applied command. Individual rejections are logged and
	// counted but never abort the batch.
	session.Mu.Lock()
	for _, action := range actions {
		result := state.Apply(session.Graph, action)
		deps.Metrics.RecordAction(string(action.Action), string(result.Outcome))
	}
	session.Graph.AppendHistory(transcript)
	session.Mu.Unlock()

	// The client receives every action from the batch, including rejected
	// ones, so its renderer and the server log tell the same story.
	_ = sendJSON(ws, datatypes.ActionsFrame{
		Type:    datatypes.FrameActions,
		Actions: actions,
	})
}

// handleControlFrame routes one inbound text frame by its type tag.
func handleControlFrame(ws *websocket.Conn, session *state.Session,
	deps SketchDeps, data []byte) {

	var envelope datatypes.ControlEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		deps.Metrics.RecordFrame(observability.FrameKindUnknown)
		slog.Warn("unparseable control frame", "user_id", session.UserID, "error", err)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Unrecognized message format."))
		return
	}

	switch envelope.Type {
	case datatypes.FrameCanvasSync:
		deps.Metrics.RecordFrame(observability.FrameKindCanvasSync)
		handleCanvasSync(ws, session, data)
	case datatypes.FrameFeedback:
		deps.Metrics.RecordFrame(observability.FrameKindFeedback)
		handleFeedback(ws, session, data)
	default:
		deps.Metrics.RecordFrame(observability.FrameKindUnknown)
		slog.Warn("unknown control frame type", "user_id", session.UserID, "type", envelope.Type)
	}
}

// handleCanvasSync replaces the session's snapshot and graph wholesale. The
// client is authoritative for its own canvas; the server never merges.
func handleCanvasSync(ws *websocket.Conn, session *state.Session, data []byte) {
	var msg datatypes.CanvasSyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid canvas_sync payload", "user_id", session.UserID, "error", err)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Invalid canvas sync payload."))
		return
	}

	session.Mu.Lock()
	// Only the opaque snapshot blob is stored. Reconnect replay sends it
	// back byte-exact, without a frame envelope.
	session.CanvasSnapshot = msg.Snapshot
	history := session.Graph.ConversationHistory
	session.Graph = &msg.Graph
	if session.Graph.Nodes == nil {
		session.Graph.Nodes = make(map[string]datatypes.GraphNode)
	}
	if session.Graph.Edges == nil {
		session.Graph.Edges = make([]datatypes.GraphEdge, 0)
	}
	// Conversation history belongs to the dialogue, not the canvas, and
	// survives a sync that omits it.
	if len(session.Graph.ConversationHistory) == 0 {
		session.Graph.ConversationHistory = history
	}
	// A synced history is held to the same cap as appended history.
	if n := len(session.Graph.ConversationHistory); n > datatypes.HistoryLimit {
		session.Graph.ConversationHistory = session.Graph.ConversationHistory[n-datatypes.HistoryLimit:]
	}
	nodes, edges := len(session.Graph.Nodes), len(session.Graph.Edges)
	session.Mu.Unlock()

	slog.Info("canvas state synced", "user_id", session.UserID,
		"nodes", nodes, "edges", edges)
}

// handleFeedback acknowledges user feedback on a prior action. Recording to
// a training corpus is a future collaborator; today the frame is logged and
// acked.
func handleFeedback(ws *websocket.Conn, session *state.Session, data []byte) {
	var msg datatypes.FeedbackMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid feedback payload", "user_id", session.UserID, "error", err)
		_ = sendJSON(ws, datatypes.NewErrorFrame("Invalid feedback payload."))
		return
	}

	slog.Info("feedback received", "user_id", session.UserID,
		"action_id", msg.ActionID, "feedback_type", msg.FeedbackType)

	_ = sendJSON(ws, datatypes.FeedbackAckFrame{
		Type:     datatypes.FrameFeedbackAck,
		ActionID: msg.ActionID,
		Status:   "recorded",
	})
}
