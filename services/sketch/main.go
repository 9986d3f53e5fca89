// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSketch/services/llm"
	"github.com/AleutianAI/AleutianSketch/services/sketch/config"
	"github.com/AleutianAI/AleutianSketch/services/sketch/handlers"
	"github.com/AleutianAI/AleutianSketch/services/sketch/middleware"
	"github.com/AleutianAI/AleutianSketch/services/sketch/observability"
	"github.com/AleutianAI/AleutianSketch/services/sketch/reason"
	"github.com/AleutianAI/AleutianSketch/services/sketch/routes"
	"github.com/AleutianAI/AleutianSketch/services/sketch/state"
	"github.com/AleutianAI/AleutianSketch/services/sketch/transcribe"
	"github.com/AleutianAI/AleutianSketch/services/sketch/ttl"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// initTracer wires the OTLP trace exporter. Tracing is optional: when
// OTEL_EXPORTER_OTLP_ENDPOINT is unset the service runs with the no-op
// provider and spans cost nothing.
func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("sketch-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newLLMClient selects the reasoning backend from LLM_BACKEND_TYPE.
func newLLMClient() (llm.LLMClient, error) {
	switch backend := os.Getenv("LLM_BACKEND_TYPE"); backend {
	case "local":
		slog.Info("Using Local Llama.cpp LLM backend")
		return llm.NewLocalLlamaCppClient()
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to local", "value", backend)
		return llm.NewLocalLlamaCppClient()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	transcriber, err := transcribe.NewDeepgramClient()
	if err != nil {
		log.Fatalf("FATAL: could not initialize the transcriber: %v", err)
	}

	llmClient, err := newLLMClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}
	engine := reason.NewEngine(llmClient, cfg.MaxReasoningRetries)

	registry := state.NewRegistry()
	limiter := middleware.NewLimiter(middleware.LimiterConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := ttl.NewScheduler(registry, limiter, metrics, ttl.SchedulerConfig{
		Interval:       cfg.SweepInterval,
		SessionTimeout: cfg.SessionTimeout,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start the expiry sweep scheduler: %v", err)
	}
	defer scheduler.Stop()

	router := gin.Default()
	router.Use(otelgin.Middleware("sketch-service"))
	router.Use(middleware.RateLimit(limiter, metrics))

	routes.SetupRoutes(router, handlers.SketchDeps{
		Sessions:    registry,
		Verifier:    middleware.DevTokenVerifier{},
		Transcriber: transcriber,
		Reasoner:    engine,
		Metrics:     metrics,
		Version:     cfg.Version,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("starting the sketch server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("shutting down the sketch server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
	slog.Info("sketch server stopped")
}
