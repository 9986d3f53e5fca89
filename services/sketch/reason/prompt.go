// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reason

import (
	"fmt"
	"strings"
)

// sketchProtocolPrompt instructs the model to emit schema-valid edit
// actions. Kept inline so the service has no runtime file dependencies.
const sketchProtocolPrompt = `You are an intelligent whiteboard assistant that creates professional visual diagrams from natural language.
Convert user descriptions into structured JSON for rendering shapes with icons and detailed text.

## OUTPUT FORMAT
Return a single JSON object with an "actions" array. Each action has:
- "action": one of create_node, update_node, delete_node, create_edge, delete_edge
- "id": unique snake_case identifier (1-50 chars, alphanumeric plus _ and -)
- node fields (create_node, update_node): "label" (2-4 words, required on create),
  "description" (3-8 words), "type", "color", "opacity" (0.0-1.0),
  "position", "relative_to", "parent_id"
- edge fields (create_edge, delete_edge): "source_id", "target_id", "bidirectional"

Valid node types: database, server, client, storage, network, frame, cloud,
person, process, data, diamond, hexagon, box, circle, text, note.
Valid colors: yellow, pink, blue, green, orange, red, violet, purple,
light-blue, light-green, light-violet, light-red, light-yellow, black, white,
gray, grey, cyan, teal, magenta, brown.
Valid positions: above, below, left, right, top, bottom, top-left, top-right,
bottom-left, bottom-right.

## RULES
1. Use snake_case for all IDs
2. Keep labels short (2-4 words)
3. Prefer semantic types (database, server, client) over generic shapes
4. Only reference source_id and target_id of nodes that exist or are created
   earlier in the same actions array
5. Output only the JSON object, no prose and no markdown fences`

// buildPrompt assembles the full reasoning prompt from the protocol, the
// current graph, recent commands, and the new transcript.
func buildPrompt(transcript, graphSummary, historySummary string) string {
	var b strings.Builder
	b.WriteString(sketchProtocolPrompt)
	b.WriteString("\n\n## CURRENT GRAPH STATE\n")
	b.WriteString(graphSummary)
	b.WriteString("\n\n## RECENT COMMANDS\n")
	b.WriteString(historySummary)
	b.WriteString("\n\n## USER REQUEST\n")
	b.WriteString(transcript)
	b.WriteString("\n\nJSON response:")
	return b.String()
}

// correctionPrompt extends a prompt with the validation failure so the
// model can fix its own output.
func correctionPrompt(prompt, badOutput string, err error) string {
	return fmt.Sprintf(`%s

## PREVIOUS ATTEMPT (INVALID)
%s

## VALIDATION ERROR
%v

Correct the output. Return only the fixed JSON object.`, prompt, badOutput, err)
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
