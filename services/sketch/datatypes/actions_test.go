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

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string      { return &s }
func typePtr(t NodeType) *NodeType { return &t }
func posPtr(p Position) *Position  { return &p }
func floatPtr(f float64) *float64  { return &f }

func validCreateNode() SketchAction {
	return SketchAction{
		Action: ActionCreateNode,
		ID:     "web_server",
		Label:  strPtr("Web Server"),
		Type:   typePtr(NodeServer),
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestSketchActionValidate_Valid(t *testing.T) {
	a := validCreateNode()
	assert.NoError(t, a.Validate())
}

func TestSketchActionValidate_UnknownActionType(t *testing.T) {
	a := validCreateNode()
	a.Action = "explode_node"
	assert.Error(t, a.Validate())
}

func TestSketchActionValidate_BadID(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"too_long":  strings.Repeat("a", 51),
		"bad_chars": "web server!",
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			a := validCreateNode()
			a.ID = id
			assert.Error(t, a.Validate())
		})
	}
}

func TestSketchActionValidate_EnumFields(t *testing.T) {
	a := validCreateNode()
	a.Type = typePtr("starfish")
	assert.Error(t, a.Validate())

	a = validCreateNode()
	a.Color = strPtr("chartreuse")
	assert.Error(t, a.Validate())

	a = validCreateNode()
	a.Color = strPtr("light-blue")
	assert.NoError(t, a.Validate())

	a = validCreateNode()
	a.Position = posPtr("diagonal")
	assert.Error(t, a.Validate())

	a = validCreateNode()
	a.Position = posPtr(PosTopLeft)
	assert.NoError(t, a.Validate())
}

func TestSketchActionValidate_OpacityRange(t *testing.T) {
	a := validCreateNode()
	a.Opacity = floatPtr(0.5)
	assert.NoError(t, a.Validate())

	a.Opacity = floatPtr(1.5)
	assert.Error(t, a.Validate())

	a.Opacity = floatPtr(-0.1)
	assert.Error(t, a.Validate())
}

func TestSketchResponseValidate_ReportsPosition(t *testing.T) {
	resp := SketchResponse{Actions: []SketchAction{
		validCreateNode(),
		{Action: ActionCreateEdge, ID: "e1", SourceID: "a", TargetID: "b!"},
	}}
	err := resp.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actions[1]")
}

func TestSketchResponseValidate_MissingActionsArray(t *testing.T) {
	var resp SketchResponse
	require.NoError(t, json.Unmarshal([]byte(`{}`), &resp))
	assert.Error(t, resp.Validate())

	// An explicitly empty array is a valid "nothing to do" response.
	require.NoError(t, json.Unmarshal([]byte(`{"actions": []}`), &resp))
	assert.NoError(t, resp.Validate())
}

// =============================================================================
// Normalize Tests
// =============================================================================

func TestSketchActionNormalize(t *testing.T) {
	a := SketchAction{
		Action:     ActionCreateNode,
		ID:         "Web_Server",
		SourceID:   "API",
		TargetID:   "DB",
		RelativeTo: strPtr("Cache"),
		ParentID:   strPtr("Cluster"),
		Label:      strPtr("Web Server"),
	}
	a.Normalize()

	assert.Equal(t, "web_server", a.ID)
	assert.Equal(t, "api", a.SourceID)
	assert.Equal(t, "db", a.TargetID)
	assert.Equal(t, "cache", *a.RelativeTo)
	assert.Equal(t, "cluster", *a.ParentID)
	// Labels are display text and keep their casing.
	assert.Equal(t, "Web Server", *a.Label)
}

// =============================================================================
// JSON Shape Tests
// =============================================================================

func TestSketchActionUnmarshal_OmittedVsExplicitEmpty(t *testing.T) {
	var omitted SketchAction
	require.NoError(t, json.Unmarshal([]byte(`{"action": "update_node", "id": "n1"}`), &omitted))
	assert.Nil(t, omitted.Description)

	var cleared SketchAction
	require.NoError(t, json.Unmarshal([]byte(`{"action": "update_node", "id": "n1", "description": ""}`), &cleared))
	require.NotNil(t, cleared.Description)
	assert.Equal(t, "", *cleared.Description)
}
