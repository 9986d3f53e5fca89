// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Websocket frame contract. Every frame, inbound text or outbound, is JSON
// tagged by a "type" field. Binary frames carry raw audio and have no
// envelope.

// Frame type tags.
const (
	FrameConnected   = "connected"
	FrameTranscript  = "transcript"
	FrameActions     = "actions"
	FrameError       = "error"
	FrameFeedbackAck = "feedback_ack"

	FrameCanvasSync = "canvas_sync"
	FrameFeedback   = "feedback"
)

// ControlEnvelope is the minimal decode of an inbound text frame, used to
// route by tag before the full message is parsed.
type ControlEnvelope struct {
	Type string `json:"type"`
}

// CanvasSyncMessage replaces the session's canvas snapshot and graph state
// wholesale. Last write wins; the server never merges.
type CanvasSyncMessage struct {
	Type     string     `json:"type"`
	Snapshot string     `json:"snapshot"`
	Graph    GraphState `json:"graph"`
}

// FeedbackMessage is user feedback on a previously applied action. It is
// acknowledged immediately; recording to a training corpus is a future
// collaborator, not part of this service.
type FeedbackMessage struct {
	Type            string        `json:"type"`
	SessionID       string        `json:"session_id,omitempty"`
	ActionID        string        `json:"action_id"`
	FeedbackType    string        `json:"feedback_type"` // undo, edit, correct, approve
	OriginalAction  *SketchAction `json:"original_action,omitempty"`
	CorrectedAction *SketchAction `json:"corrected_action,omitempty"`
	UserComment     string        `json:"user_comment,omitempty"`
}

// ConnectedFrame acknowledges a successful connection.
type ConnectedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Version string `json:"version"`
}

// TranscriptFrame carries the transcription result, sent before reasoning
// so the client sees the recognized text immediately.
type TranscriptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ActionsFrame aggregates every action of one reasoning response,
// regardless of individual apply outcome.
type ActionsFrame struct {
	Type    string         `json:"type"`
	Actions []SketchAction `json:"actions"`
}

// ErrorFrame reports a non-fatal failure to the client. The connection
// stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FeedbackAckFrame confirms receipt of a feedback message.
type FeedbackAckFrame struct {
	Type     string `json:"type"`
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

// NewErrorFrame builds an error frame with the tag filled in.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}
