// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
)

// Outcome classifies the result of applying one action.
type Outcome string

const (
	// OutcomeApplied means the graph was mutated.
	OutcomeApplied Outcome = "applied"

	// OutcomeNoop means the action was already satisfied (idempotent edge
	// creation). Counts as success.
	OutcomeNoop Outcome = "noop"

	// OutcomeRejected means the action was invalid for the current state
	// and the graph is unchanged.
	OutcomeRejected Outcome = "rejected"
)

// ApplyResult reports how one action landed. Rejections carry a reason for
// logging; they are expected conditions, not errors, so a bad action in a
// batch never aborts the batch.
type ApplyResult struct {
	Outcome Outcome
	Reason  string
}

// Applied reports whether the action succeeded (mutation or idempotent noop).
func (r ApplyResult) Applied() bool {
	return r.Outcome != OutcomeRejected
}

func applied() ApplyResult { return ApplyResult{Outcome: OutcomeApplied} }
func noop() ApplyResult    { return ApplyResult{Outcome: OutcomeNoop} }

func rejected(format string, args ...any) ApplyResult {
	return ApplyResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf(format, args...)}
}

// Apply executes exactly one edit action against the graph. The caller must
// hold the owning session's lock. Each action is atomic: either every
// sub-step completes (including the cascades of delete_node) or the graph is
// left untouched and a rejection is returned.
func Apply(g *datatypes.GraphState, action datatypes.SketchAction) ApplyResult {
	var result ApplyResult
	switch action.Action {
	case datatypes.ActionCreateNode:
		result = applyCreateNode(g, action)
	case datatypes.ActionUpdateNode:
		result = applyUpdateNode(g, action)
	case datatypes.ActionDeleteNode:
		result = applyDeleteNode(g, action)
	case datatypes.ActionCreateEdge:
		result = applyCreateEdge(g, action)
	case datatypes.ActionDeleteEdge:
		result = applyDeleteEdge(g, action)
	default:
		result = rejected("unknown action type %q", action.Action)
	}

	if result.Outcome == OutcomeRejected {
		slog.Warn("action rejected",
			"action", action.Action,
			"id", action.ID,
			"reason", result.Reason,
		)
	} else {
		slog.Debug("action applied",
			"action", action.Action,
			"id", action.ID,
			"outcome", result.Outcome,
		)
	}
	return result
}

// applyCreateNode inserts or overwrites the node at action.ID. This is an
// upsert, not a strict insert.
func applyCreateNode(g *datatypes.GraphState, a datatypes.SketchAction) ApplyResult {
	if a.Label == nil || *a.Label == "" {
		return rejected("create_node requires a non-empty label")
	}
	if a.Type == nil {
		return rejected("create_node requires a type")
	}

	node := datatypes.GraphNode{
		ID:      a.ID,
		Label:   *a.Label,
		Type:    *a.Type,
		Opacity: a.Opacity,
	}
	if a.Description != nil {
		node.Description = *a.Description
	}
	if a.ParentID != nil {
		node.ParentID = *a.ParentID
	}
	if a.Color != nil {
		node.Color = *a.Color
	}
	if a.Position != nil {
		node.Position = *a.Position
	}
	if a.RelativeTo != nil {
		node.RelativeTo = *a.RelativeTo
	}

	g.Nodes[a.ID] = node
	return applied()
}

// applyUpdateNode merges explicitly present fields onto the existing node.
// A nil pointer keeps the prior value; a pointer to the zero value is an
// explicit clear. Clearing a description to "" is a valid update, distinct
// from omitting it.
func applyUpdateNode(g *datatypes.GraphState, a datatypes.SketchAction) ApplyResult {
	existing, ok := g.Nodes[a.ID]
	if !ok {
		return rejected("update_node: node %q not found", a.ID)
	}

	if a.Label != nil {
		existing.Label = *a.Label
	}
	if a.Description != nil {
		existing.Description = *a.Description
	}
	if a.Type != nil {
		existing.Type = *a.Type
	}
	if a.ParentID != nil {
		existing.ParentID = *a.ParentID
	}
	if a.Color != nil {
		existing.Color = *a.Color
	}
	if a.Position != nil {
		existing.Position = *a.Position
	}
	if a.RelativeTo != nil {
		existing.RelativeTo = *a.RelativeTo
	}
	if a.Opacity != nil {
		existing.Opacity = a.Opacity
	}

	g.Nodes[a.ID] = existing
	return applied()
}

// applyDeleteNode removes the node, its direct children (nodes whose
// parent_id equals the deleted id), and every edge touching any removed
// node. Children one level deep only: deleting a frame empties it, but
// grandchildren do not cascade a second level.
func applyDeleteNode(g *datatypes.GraphState, a datatypes.SketchAction) ApplyResult {
	if _, ok := g.Nodes[a.ID]; !ok {
		return rejected("delete_node: node %q not found", a.ID)
	}

	removed := map[string]bool{a.ID: true}
	for id, node := range g.Nodes {
		if node.ParentID == a.ID {
			removed[id] = true
		}
	}
	for id := range removed {
		delete(g.Nodes, id)
	}

	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if !removed[e.SourceID] && !removed[e.TargetID] {
			kept = append(kept, e)
		}
	}
	g.Edges = kept

	if len(removed) > 1 {
		slog.Debug("delete_node cascaded to children", "id", a.ID, "children", len(removed)-1)
	}
	return applied()
}

// applyCreateEdge appends an edge between two existing nodes. Creating the
// same ordered (source, target) pair twice is an idempotent noop success.
func applyCreateEdge(g *datatypes.GraphState, a datatypes.SketchAction) ApplyResult {
	if a.SourceID == "" || a.TargetID == "" {
		return rejected("create_edge requires source_id and target_id")
	}
	if _, ok := g.Nodes[a.SourceID]; !ok {
		return rejected("create_edge: source %q not found", a.SourceID)
	}
	if _, ok := g.Nodes[a.TargetID]; !ok {
		return rejected("create_edge: target %q not found", a.TargetID)
	}

	for _, e := range g.Edges {
		if e.SourceID == a.SourceID && e.TargetID == a.TargetID {
			return noop()
		}
	}

	g.Edges = append(g.Edges, datatypes.GraphEdge{
		ID:            a.ID,
		SourceID:      a.SourceID,
		TargetID:      a.TargetID,
		Bidirectional: a.Bidirectional,
	})
	return applied()
}

// applyDeleteEdge removes the edge matching the ordered (source, target)
// pair. Creation is deduplicated, so at most one edge can match.
func applyDeleteEdge(g *datatypes.GraphState, a datatypes.SketchAction) ApplyResult {
	if a.SourceID == "" || a.TargetID == "" {
		return rejected("delete_edge requires source_id and target_id")
	}

	for i, e := range g.Edges {
		if e.SourceID == a.SourceID && e.TargetID == a.TargetID {
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return applied()
		}
	}
	return rejected("delete_edge: edge %s -> %s not found", a.SourceID, a.TargetID)
}
