// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reason turns an utterance plus a graph summary into a validated,
// ordered list of edit actions.
//
// # Self-Correction Loop
//
// The model must produce schema-valid JSON. When decoding or validation
// fails, the error and the bad output are appended to the prompt and the
// model is asked to fix itself, up to a bounded number of retries. Callers
// see either a fully valid action list or a single *ReasoningError.
package reason

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianSketch/services/llm"
	"github.com/AleutianAI/AleutianSketch/services/sketch/datatypes"
)

var tracer = otel.Tracer("aleutian.sketch.reason")

// DefaultMaxRetries bounds the self-correction loop.
const DefaultMaxRetries = 2

// ReasoningError is the typed failure for the reasoning collaborator,
// including exhausted self-correction retries. The orchestrator surfaces it
// as an error frame and keeps the connection open.
type ReasoningError struct {
	Attempts int
	Err      error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

// Reasoner is the collaborator contract consumed by the websocket handler.
type Reasoner interface {
	Actions(ctx context.Context, transcript, graphSummary, historySummary string) ([]datatypes.SketchAction, error)
}

// Engine implements Reasoner over an LLM backend.
type Engine struct {
	client     llm.LLMClient
	maxRetries int
}

// NewEngine creates a reasoning engine. maxRetries <= 0 selects
// DefaultMaxRetries.
func NewEngine(client llm.LLMClient, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{client: client, maxRetries: maxRetries}
}

// generationParams keeps the model deterministic enough for structured
// output.
func generationParams() llm.GenerationParams {
	temperature := float32(0.1)
	maxTokens := 2048
	return llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}

// Actions implements Reasoner. The returned slice preserves the model's
// ordering: later actions may reference nodes created by earlier ones in
// the same batch.
func (e *Engine) Actions(ctx context.Context, transcript, graphSummary, historySummary string) ([]datatypes.SketchAction, error) {
	ctx, span := tracer.Start(ctx, "Engine.Actions")
	defer span.End()

	basePrompt := buildPrompt(transcript, graphSummary, historySummary)
	prompt := basePrompt

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		attempts = attempt + 1

		raw, err := e.client.Generate(ctx, prompt, generationParams())
		if err != nil {
			// Transport failures are not correctable by the model.
			span.SetAttributes(attribute.Int("reason.attempts", attempts))
			return nil, &ReasoningError{Attempts: attempts, Err: err}
		}

		response, parseErr := parseResponse(raw)
		if parseErr == nil {
			span.SetAttributes(
				attribute.Int("reason.attempts", attempts),
				attribute.Int("reason.actions", len(response.Actions)),
			)
			return response.Actions, nil
		}

		lastErr = parseErr
		slog.Warn("reasoning output failed validation, retrying",
			"attempt", attempts,
			"error", parseErr,
		)
		prompt = correctionPrompt(basePrompt, raw, parseErr)
	}

	span.SetAttributes(attribute.Int("reason.attempts", attempts))
	return nil, &ReasoningError{Attempts: attempts, Err: lastErr}
}

// parseResponse decodes and validates one model output, normalizing node
// references on success.
func parseResponse(raw string) (*datatypes.SketchResponse, error) {
	cleaned := stripFences(raw)

	var response datatypes.SketchResponse
	if err := json.Unmarshal([]byte(cleaned), &response); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %w", err)
	}
	for i := range response.Actions {
		response.Actions[i].Normalize()
	}
	if err := response.Validate(); err != nil {
		return nil, err
	}
	return &response, nil
}
