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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
)

func strPtr(s string) *string { return &s }

func typePtr(t datatypes.NodeType) *datatypes.NodeType { return &t }

func createNode(id, label string, nodeType datatypes.NodeType) datatypes.SketchAction {
	return datatypes.SketchAction{
		Action: datatypes.ActionCreateNode,
		ID:     id,
		Label:  strPtr(label),
		Type:   typePtr(nodeType),
	}
}

func createEdge(id, source, target string) datatypes.SketchAction {
	return datatypes.SketchAction{
		Action:   datatypes.ActionCreateEdge,
		ID:       id,
		SourceID: source,
		TargetID: target,
	}
}

// =============================================================================
// create_node Tests
// =============================================================================

func TestApply_CreateNode(t *testing.T) {
	g := datatypes.NewGraphState()

	result := Apply(g, createNode("db", "Database", datatypes.NodeDatabase))
	assert.Equal(t, OutcomeApplied, result.Outcome)
	require.Contains(t, g.Nodes, "db")
	assert.Equal(t, "Database", g.Nodes["db"].Label)
}

func TestApply_CreateNodeIsUpsert(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("db", "Database", datatypes.NodeDatabase))

	again := createNode("db", "Postgres", datatypes.NodeDatabase)
	result := Apply(g, again)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Len(t, g.Nodes, 1)
	assert.Equal(t, "Postgres", g.Nodes["db"].Label)
}

func TestApply_CreateNodeRequiresLabelAndType(t *testing.T) {
	g := datatypes.NewGraphState()

	noLabel := datatypes.SketchAction{
		Action: datatypes.ActionCreateNode,
		ID:     "n1",
		Type:   typePtr(datatypes.NodeBox),
	}
	assert.Equal(t, OutcomeRejected, Apply(g, noLabel).Outcome)

	emptyLabel := createNode("n1", "", datatypes.NodeBox)
	assert.Equal(t, OutcomeRejected, Apply(g, emptyLabel).Outcome)

	noType := datatypes.SketchAction{
		Action: datatypes.ActionCreateNode,
		ID:     "n1",
		Label:  strPtr("Node"),
	}
	assert.Equal(t, OutcomeRejected, Apply(g, noType).Outcome)
	assert.Empty(t, g.Nodes)
}

// =============================================================================
// update_node Tests
// =============================================================================

func TestApply_UpdateNodeMergesPresentFields(t *testing.T) {
	g := datatypes.NewGraphState()
	create := createNode("db", "Database", datatypes.NodeDatabase)
	create.Description = strPtr("primary store")
	Apply(g, create)

	update := datatypes.SketchAction{
		Action: datatypes.ActionUpdateNode,
		ID:     "db",
		Label:  strPtr("Postgres"),
	}
	result := Apply(g, update)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	// Omitted fields keep their prior values.
	assert.Equal(t, "Postgres", g.Nodes["db"].Label)
	assert.Equal(t, "primary store", g.Nodes["db"].Description)
	assert.Equal(t, datatypes.NodeDatabase, g.Nodes["db"].Type)
}

func TestApply_UpdateNodeExplicitClear(t *testing.T) {
	g := datatypes.NewGraphState()
	create := createNode("db", "Database", datatypes.NodeDatabase)
	create.Description = strPtr("primary store")
	Apply(g, create)

	// A pointer to "" is an explicit clear, distinct from nil.
	clearDesc := datatypes.SketchAction{
		Action:      datatypes.ActionUpdateNode,
		ID:          "db",
		Description: strPtr(""),
	}
	result := Apply(g, clearDesc)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, "", g.Nodes["db"].Description)
	assert.Equal(t, "Database", g.Nodes["db"].Label)
}

func TestApply_UpdateNodeMissing(t *testing.T) {
	g := datatypes.NewGraphState()
	update := datatypes.SketchAction{
		Action: datatypes.ActionUpdateNode,
		ID:     "ghost",
		Label:  strPtr("Ghost"),
	}
	result := Apply(g, update)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.False(t, result.Applied())
	assert.Empty(t, g.Nodes)
}

// =============================================================================
// delete_node Tests
// =============================================================================

func TestApply_DeleteNodeCascades(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("frame", "Cluster", datatypes.NodeFrame))
	Apply(g, createNode("other", "Other", datatypes.NodeBox))

	child1 := createNode("child1", "Child One", datatypes.NodeBox)
	child1.ParentID = strPtr("frame")
	Apply(g, child1)
	child2 := createNode("child2", "Child Two", datatypes.NodeBox)
	child2.ParentID = strPtr("frame")
	Apply(g, child2)

	Apply(g, createEdge("e1", "frame", "other"))
	Apply(g, createEdge("e2", "other", "frame"))
	// An edge between two children must also go when the frame does.
	Apply(g, createEdge("e3", "child1", "child2"))

	result := Apply(g, datatypes.SketchAction{
		Action: datatypes.ActionDeleteNode,
		ID:     "frame",
	})

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.NotContains(t, g.Nodes, "frame")
	assert.NotContains(t, g.Nodes, "child1")
	assert.NotContains(t, g.Nodes, "child2")
	assert.Contains(t, g.Nodes, "other")
	assert.Empty(t, g.Edges)
}

func TestApply_DeleteNodeCascadesOneLevelOnly(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("root", "Root", datatypes.NodeFrame))

	child := createNode("child", "Child", datatypes.NodeFrame)
	child.ParentID = strPtr("root")
	Apply(g, child)

	grandchild := createNode("grandchild", "Grandchild", datatypes.NodeBox)
	grandchild.ParentID = strPtr("child")
	Apply(g, grandchild)

	Apply(g, datatypes.SketchAction{Action: datatypes.ActionDeleteNode, ID: "root"})

	// The child goes, the grandchild stays (one level only).
	assert.NotContains(t, g.Nodes, "child")
	assert.Contains(t, g.Nodes, "grandchild")
}

func TestApply_DeleteNodeMissing(t *testing.T) {
	g := datatypes.NewGraphState()
	result := Apply(g, datatypes.SketchAction{Action: datatypes.ActionDeleteNode, ID: "ghost"})
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

// =============================================================================
// create_edge Tests
// =============================================================================

func TestApply_CreateEdgeRequiresEndpoints(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("a", "A", datatypes.NodeBox))

	result := Apply(g, createEdge("e1", "a", "missing"))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Empty(t, g.Edges)

	result = Apply(g, createEdge("e1", "missing", "a"))
	assert.Equal(t, OutcomeRejected, result.Outcome)

	result = Apply(g, createEdge("e1", "", "a"))
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

func TestApply_CreateEdgeIdempotent(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("a", "A", datatypes.NodeBox))
	Apply(g, createNode("b", "B", datatypes.NodeBox))

	first := Apply(g, createEdge("e1", "a", "b"))
	assert.Equal(t, OutcomeApplied, first.Outcome)

	second := Apply(g, createEdge("e2", "a", "b"))
	assert.Equal(t, OutcomeNoop, second.Outcome)
	assert.True(t, second.Applied())
	assert.Len(t, g.Edges, 1)

	// The reverse direction is a distinct edge.
	reverse := Apply(g, createEdge("e3", "b", "a"))
	assert.Equal(t, OutcomeApplied, reverse.Outcome)
	assert.Len(t, g.Edges, 2)
}

// =============================================================================
// delete_edge Tests
// =============================================================================

func TestApply_DeleteEdge(t *testing.T) {
	g := datatypes.NewGraphState()
	Apply(g, createNode("a", "A", datatypes.NodeBox))
	Apply(g, createNode("b", "B", datatypes.NodeBox))
	Apply(g, createEdge("e1", "a", "b"))

	result := Apply(g, datatypes.SketchAction{
		Action:   datatypes.ActionDeleteEdge,
		ID:       "e1",
		SourceID: "a",
		TargetID: "b",
	})
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Empty(t, g.Edges)
}

func TestApply_DeleteEdgeMissing(t *testing.T) {
	g := datatypes.NewGraphState()
	result := Apply(g, datatypes.SketchAction{
		Action:   datatypes.ActionDeleteEdge,
		ID:       "e1",
		SourceID: "a",
		TargetID: "b",
	})
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestApply_UnknownAction(t *testing.T) {
	g := datatypes.NewGraphState()
	result := Apply(g, datatypes.SketchAction{Action: "rotate_node", ID: "n1"})
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Reason, "unknown action")
}

func TestApply_BatchContinuesPastRejection(t *testing.T) {
	g := datatypes.NewGraphState()
	batch := []datatypes.SketchAction{
		createNode("a", "A", datatypes.NodeBox),
		createEdge("e1", "a", "ghost"), // rejected, must not abort the batch
		createNode("b", "B", datatypes.NodeBox),
		createEdge("e2", "a", "b"),
	}

	outcomes := make([]Outcome, 0, len(batch))
	for _, action := range batch {
		outcomes = append(outcomes, Apply(g, action).Outcome)
	}

	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeRejected, OutcomeApplied, OutcomeApplied}, outcomes)
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Edges, 1)
}
