// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the graph model, edit actions, and websocket
// frame types shared by the sketch service.
package datatypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HistoryLimit bounds the conversation history kept per graph.
// Oldest entries are evicted first.
const HistoryLimit = 10

// NodeType is the semantic or shape kind of a node.
//
// Semantic types (database, server, client, storage, network) are preferred
// for tech diagrams; shape types cover general concepts.
type NodeType string

const (
	NodeDatabase NodeType = "database"
	NodeServer   NodeType = "server"
	NodeClient   NodeType = "client"
	NodeStorage  NodeType = "storage"
	NodeNetwork  NodeType = "network"

	NodeFrame   NodeType = "frame"
	NodeCloud   NodeType = "cloud"
	NodePerson  NodeType = "person"
	NodeProcess NodeType = "process"
	NodeData    NodeType = "data"
	NodeDiamond NodeType = "diamond"
	NodeHexagon NodeType = "hexagon"
	NodeBox     NodeType = "box"
	NodeCircle  NodeType = "circle"
	NodeText    NodeType = "text"
	NodeNote    NodeType = "note"
)

// validNodeTypes is the membership set used by the action validator.
var validNodeTypes = map[NodeType]bool{
	NodeDatabase: true, NodeServer: true, NodeClient: true,
	NodeStorage: true, NodeNetwork: true,
	NodeFrame: true, NodeCloud: true, NodePerson: true,
	NodeProcess: true, NodeData: true, NodeDiamond: true,
	NodeHexagon: true, NodeBox: true, NodeCircle: true,
	NodeText: true, NodeNote: true,
}

// IsValid reports whether t is a known node type.
func (t NodeType) IsValid() bool {
	return validNodeTypes[t]
}

// Position is a relative placement hint, meaningful only together with a
// relative_to node reference.
type Position string

const (
	PosAbove       Position = "above"
	PosBelow       Position = "below"
	PosLeft        Position = "left"
	PosRight       Position = "right"
	PosTop         Position = "top"
	PosBottom      Position = "bottom"
	PosTopLeft     Position = "top-left"
	PosTopRight    Position = "top-right"
	PosBottomLeft  Position = "bottom-left"
	PosBottomRight Position = "bottom-right"
)

var validPositions = map[Position]bool{
	PosAbove: true, PosBelow: true, PosLeft: true, PosRight: true,
	PosTop: true, PosBottom: true, PosTopLeft: true, PosTopRight: true,
	PosBottomLeft: true, PosBottomRight: true,
}

// IsValid reports whether p is a known relative position.
func (p Position) IsValid() bool {
	return validPositions[p]
}

// GraphNode is a single node in a user's diagram.
//
// Color is deliberately a free-form string rather than an enum: node state
// arrives from untrusted clients on canvas sync and must round-trip whatever
// the frontend renders. Opacity, when present, is constrained to [0, 1] by
// the applier and the action validator.
type GraphNode struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Type        NodeType `json:"type"`
	ParentID    string   `json:"parent_id,omitempty"`
	Color       string   `json:"color,omitempty"`
	Position    Position `json:"position,omitempty"`
	RelativeTo  string   `json:"relative_to,omitempty"`
	Opacity     *float64 `json:"opacity,omitempty"`
}

// GraphEdge is a directed connection between two nodes.
//
// Uniqueness of the (source_id, target_id) pair is enforced by the action
// applier on creation, not by this type. The optional id carries no
// uniqueness guarantee.
type GraphEdge struct {
	ID            string `json:"id,omitempty"`
	SourceID      string `json:"source_id"`
	TargetID      string `json:"target_id"`
	Bidirectional bool   `json:"bidirectional"`
}

// UnmarshalJSON accepts both snake_case and camelCase endpoint keys.
// Frontends emit sourceId/targetId; the reasoning backend emits snake_case.
func (e *GraphEdge) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID            string `json:"id"`
		SourceID      string `json:"source_id"`
		TargetID      string `json:"target_id"`
		SourceIDCamel string `json:"sourceId"`
		TargetIDCamel string `json:"targetId"`
		Bidirectional bool   `json:"bidirectional"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID = raw.ID
	e.SourceID = raw.SourceID
	if e.SourceID == "" {
		e.SourceID = raw.SourceIDCamel
	}
	e.TargetID = raw.TargetID
	if e.TargetID == "" {
		e.TargetID = raw.TargetIDCamel
	}
	e.Bidirectional = raw.Bidirectional
	return nil
}

// GraphState is the complete diagram state for one session.
//
// Nodes are keyed by node id; insertion order is irrelevant. Edges keep
// append order, which is preserved on emission. ConversationHistory holds
// the most recent HistoryLimit transcripts, oldest first.
type GraphState struct {
	Nodes               map[string]GraphNode `json:"nodes"`
	Edges               []GraphEdge          `json:"edges"`
	ConversationHistory []string             `json:"conversation_history"`
}

// NewGraphState returns an empty graph with initialized containers.
func NewGraphState() *GraphState {
	return &GraphState{
		Nodes:               make(map[string]GraphNode),
		Edges:               make([]GraphEdge, 0),
		ConversationHistory: make([]string, 0),
	}
}

// UnmarshalJSON normalizes the untrusted client shape into the canonical
// representation. Frontends send nodes either as a mapping keyed by id or as
// a plain list; lists are re-keyed by each node's id (falling back to the
// list index when the id is empty) before the state enters the core.
func (g *GraphState) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nodes               json.RawMessage `json:"nodes"`
		Edges               []GraphEdge     `json:"edges"`
		ConversationHistory []string        `json:"conversation_history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.Nodes = make(map[string]GraphNode)
	if len(raw.Nodes) > 0 {
		trimmed := strings.TrimSpace(string(raw.Nodes))
		switch {
		case strings.HasPrefix(trimmed, "{"):
			if err := json.Unmarshal(raw.Nodes, &g.Nodes); err != nil {
				return fmt.Errorf("decoding node map: %w", err)
			}
			// Backfill ids for map entries that omit them.
			for id, node := range g.Nodes {
				if node.ID == "" {
					node.ID = id
					g.Nodes[id] = node
				}
			}
		case strings.HasPrefix(trimmed, "["):
			var list []GraphNode
			if err := json.Unmarshal(raw.Nodes, &list); err != nil {
				return fmt.Errorf("decoding node list: %w", err)
			}
			for i, node := range list {
				key := node.ID
				if key == "" {
					key = strconv.Itoa(i)
					node.ID = key
				}
				g.Nodes[key] = node
			}
		case trimmed == "null":
			// Leave the empty map.
		default:
			return fmt.Errorf("nodes must be an object or array, got %q", previewJSON(trimmed))
		}
	}

	g.Edges = raw.Edges
	if g.Edges == nil {
		g.Edges = make([]GraphEdge, 0)
	}
	g.ConversationHistory = raw.ConversationHistory
	if g.ConversationHistory == nil {
		g.ConversationHistory = make([]string, 0)
	}
	return nil
}

// AppendHistory records a transcript, evicting the oldest entries beyond
// HistoryLimit.
func (g *GraphState) AppendHistory(command string) {
	g.ConversationHistory = append(g.ConversationHistory, command)
	if len(g.ConversationHistory) > HistoryLimit {
		g.ConversationHistory = g.ConversationHistory[len(g.ConversationHistory)-HistoryLimit:]
	}
}

// ToSummary produces a deterministic, human-readable listing of the graph
// for the reasoning prompt. Nodes are sorted by id so repeated calls over
// the same state yield identical output.
func (g *GraphState) ToSummary() string {
	if len(g.Nodes) == 0 {
		return "Empty graph - no nodes yet."
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Nodes (%d):\n", len(g.Nodes))
	for i, id := range ids {
		if i > 0 {
			b.WriteByte('\n')
		}
		node := g.Nodes[id]
		fmt.Fprintf(&b, "- %s: %s (%s)", node.ID, node.Label, node.Type)
	}

	edgeLines := make([]string, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e.SourceID != "" && e.TargetID != "" {
			edgeLines = append(edgeLines, fmt.Sprintf("- %s -> %s", e.SourceID, e.TargetID))
		}
	}
	if len(edgeLines) > 0 {
		fmt.Fprintf(&b, "\n\nEdges (%d):\n", len(g.Edges))
		b.WriteString(strings.Join(edgeLines, "\n"))
	}
	return b.String()
}

// HistorySummary formats the most recent maxEntries commands as a bulleted
// list for the reasoning prompt.
func (g *GraphState) HistorySummary(maxEntries int) string {
	if len(g.ConversationHistory) == 0 {
		return "No previous commands."
	}
	recent := g.ConversationHistory
	if maxEntries > 0 && len(recent) > maxEntries {
		recent = recent[len(recent)-maxEntries:]
	}
	var b strings.Builder
	b.WriteString("Recent commands:")
	for _, cmd := range recent {
		b.WriteString("\n- ")
		b.WriteString(cmd)
	}
	return b.String()
}

// previewJSON truncates raw JSON for error messages.
func previewJSON(s string) string {
	const max = 32
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
