// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transcribe provides the speech-to-text collaborator. The only
// production backend is Deepgram's pre-recorded API; the Transcriber
// interface keeps the websocket handler decoupled for testing.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.sketch.transcribe")

// Audio size bounds. Below the minimum there is no speech to find; above
// the maximum the request is rejected before it leaves the process.
const (
	MinAudioBytes = 100
	MaxAudioBytes = 10 * 1024 * 1024
)

const (
	defaultAPIURL = "https://api.deepgram.com/v1/listen"
	defaultModel  = "nova-2"
)

// TranscriptionError is the typed failure for speech-to-text. The
// orchestrator surfaces it to the client as an error frame and keeps the
// connection open.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription: %s: %v", e.Reason, e.Err)
	}
	return "transcription: " + e.Reason
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Transcriber converts raw audio bytes to text. An empty transcript with a
// nil error means the audio contained no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// DeepgramClient calls Deepgram's pre-recorded transcription API.
// Optimized for WebM/Opus audio from browser MediaRecorder.
type DeepgramClient struct {
	httpClient *http.Client
	apiKey     string
	apiURL     string
	model      string
}

// NewDeepgramClient builds a client from the environment.
//
// # Environment Variables
//
//   - DEEPGRAM_API_KEY: API key (falls back to /run/secrets/deepgram_api_key)
//   - DEEPGRAM_API_URL: endpoint override, mainly for tests
//   - DEEPGRAM_MODEL: model name (default: nova-2)
func NewDeepgramClient() (*DeepgramClient, error) {
	apiKey := os.Getenv("DEEPGRAM_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/deepgram_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("DEEPGRAM_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("DEEPGRAM_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the Deepgram API key from secrets")
	}

	apiURL := os.Getenv("DEEPGRAM_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	model := os.Getenv("DEEPGRAM_MODEL")
	if model == "" {
		model = defaultModel
	}

	slog.Info("Initializing Deepgram client", "model", model)
	return &DeepgramClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		apiURL:     apiURL,
		model:      model,
	}, nil
}

// deepgramResponse is the subset of the API response we read.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Transcriber. Returns "" with a nil error when the
// API recognizes no speech.
func (d *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "DeepgramClient.Transcribe")
	defer span.End()
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))

	if len(audio) < MinAudioBytes {
		return "", &TranscriptionError{Reason: fmt.Sprintf("audio data too small (minimum %d bytes)", MinAudioBytes)}
	}
	if len(audio) > MaxAudioBytes {
		return "", &TranscriptionError{Reason: "audio data too large (maximum 10MB)"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL, bytes.NewReader(audio))
	if err != nil {
		return "", &TranscriptionError{Reason: "building request", Err: err}
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/webm")

	q := req.URL.Query()
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	req.URL.RawQuery = q.Encode()

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Error("Deepgram request failed", "error", err)
		return "", &TranscriptionError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TranscriptionError{Reason: "reading response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		slog.Error("Deepgram API error", "status", resp.StatusCode, "body", preview)
		return "", &TranscriptionError{Reason: fmt.Sprintf("API returned %d", resp.StatusCode)}
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &TranscriptionError{Reason: "parsing response", Err: err}
	}

	if len(parsed.Results.Channels) == 0 {
		slog.Warn("no channels in Deepgram response")
		return "", nil
	}
	alternatives := parsed.Results.Channels[0].Alternatives
	if len(alternatives) == 0 {
		slog.Warn("no alternatives in Deepgram response")
		return "", nil
	}

	transcript := strings.TrimSpace(alternatives[0].Transcript)
	slog.Info("transcribed audio", "bytes", len(audio), "chars", len(transcript))
	return transcript, nil
}
