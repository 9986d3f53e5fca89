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
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ActionType identifies a single requested mutation against the graph.
type ActionType string

const (
	ActionCreateNode ActionType = "create_node"
	ActionUpdateNode ActionType = "update_node"
	ActionDeleteNode ActionType = "delete_node"
	ActionCreateEdge ActionType = "create_edge"
	ActionDeleteEdge ActionType = "delete_edge"
)

// noteColors is the palette the reasoning backend is allowed to emit.
// Node state synced from clients is not held to this set; see GraphNode.
var noteColors = map[string]bool{
	"yellow": true, "pink": true, "blue": true, "green": true,
	"orange": true, "red": true, "violet": true, "purple": true,
	"light-blue": true, "light-green": true, "light-violet": true,
	"light-red": true, "light-yellow": true,
	"black": true, "white": true, "gray": true, "grey": true,
	"cyan": true, "teal": true, "magenta": true, "brown": true,
}

// nodeIDPattern restricts ids to snake_case-ish identifiers.
var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// SketchAction is one edit action against a session's graph. It is the
// schema the reasoning backend must produce and the shape echoed back to
// clients in the aggregated actions frame.
//
// Optional node fields are pointers so the applier can distinguish "field
// omitted" (nil, keep the existing value) from "field explicitly cleared"
// (pointer to zero value). That distinction is load-bearing for update_node.
type SketchAction struct {
	Action ActionType `json:"action" validate:"required,sketch_action"`
	ID     string     `json:"id" validate:"required,node_id"`

	// Node properties (create_node, update_node).
	Label       *string   `json:"label,omitempty" validate:"omitempty,max=100"`
	Description *string   `json:"description,omitempty" validate:"omitempty,max=200"`
	Type        *NodeType `json:"type,omitempty" validate:"omitempty,node_type"`
	Color       *string   `json:"color,omitempty" validate:"omitempty,note_color"`
	Opacity     *float64  `json:"opacity,omitempty" validate:"omitempty,gte=0,lte=1"`
	Position    *Position `json:"position,omitempty" validate:"omitempty,rel_position"`
	RelativeTo  *string   `json:"relative_to,omitempty"`
	ParentID    *string   `json:"parent_id,omitempty"`

	// Edge properties (create_edge, delete_edge).
	SourceID      string `json:"source_id,omitempty" validate:"omitempty,node_id"`
	TargetID      string `json:"target_id,omitempty" validate:"omitempty,node_id"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// SketchResponse is the complete reasoning output: an ordered list of
// actions to apply to the graph.
type SketchResponse struct {
	Actions []SketchAction `json:"actions" validate:"required,dive"`
}

// actionValidator carries the custom rules for action schema enforcement.
var actionValidator = newActionValidator()

func newActionValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags; safe to ignore here.
	_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
		return nodeIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("sketch_action", func(fl validator.FieldLevel) bool {
		switch ActionType(fl.Field().String()) {
		case ActionCreateNode, ActionUpdateNode, ActionDeleteNode,
			ActionCreateEdge, ActionDeleteEdge:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("node_type", func(fl validator.FieldLevel) bool {
		return NodeType(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("rel_position", func(fl validator.FieldLevel) bool {
		return Position(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("note_color", func(fl validator.FieldLevel) bool {
		return noteColors[fl.Field().String()]
	})
	return v
}

// Normalize lowercases the action's node references so ids compare
// case-insensitively across the whole graph.
func (a *SketchAction) Normalize() {
	a.ID = strings.ToLower(a.ID)
	a.SourceID = strings.ToLower(a.SourceID)
	a.TargetID = strings.ToLower(a.TargetID)
	if a.RelativeTo != nil {
		lowered := strings.ToLower(*a.RelativeTo)
		a.RelativeTo = &lowered
	}
	if a.ParentID != nil {
		lowered := strings.ToLower(*a.ParentID)
		a.ParentID = &lowered
	}
}

// Validate checks the action against the schema rules (id charset and
// length, enum membership, opacity range). It does not check referential
// integrity; that is the applier's job.
func (a *SketchAction) Validate() error {
	if err := actionValidator.Struct(a); err != nil {
		return fmt.Errorf("invalid action %q id=%q: %w", a.Action, a.ID, err)
	}
	return nil
}

// Validate checks every action in the response, reporting the first failure
// with its position so the reasoning retry loop can point the model at it.
func (r *SketchResponse) Validate() error {
	if r.Actions == nil {
		return fmt.Errorf("response is missing the actions array")
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	return nil
}
