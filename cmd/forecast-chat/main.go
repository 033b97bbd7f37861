// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forecast-chat starts the workforce forecast chat assistant server.
//
// The assistant answers questions about uploaded forecast reports over REST
// and WebSocket, validating filter values against per-period catalogs,
// diagnosing zero-result filter combinations, and staging data edits behind
// explicit confirmation.
//
// Usage:
//
//	go run ./cmd/forecast-chat
//	go run ./cmd/forecast-chat -config /etc/forecast-chat/config.yaml
//	FORECAST_BACKEND_URL=http://forecast-api:9000 go run ./cmd/forecast-chat
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/chat/health
//
//	# One chat turn
//	curl -X POST http://localhost:8080/v1/chat/turn \
//	  -H "Content-Type: application/json" \
//	  -d '{"message": "show me April 2025 for the Amisys platform"}'
//
//	# Confirm a staged edit
//	curl -X POST http://localhost:8080/v1/chat/confirm \
//	  -H "Content-Type: application/json" \
//	  -d '{"conversation_id": "...", "token": "...", "confirm": true}'
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stratumops/forecast-chat/services/assistant"
	"github.com/stratumops/forecast-chat/services/assistant/catalog"
	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/assistant/diagnosis"
	"github.com/stratumops/forecast-chat/services/assistant/validation"
	"github.com/stratumops/forecast-chat/services/config"
	"github.com/stratumops/forecast-chat/services/forecast"
	"github.com/stratumops/forecast-chat/services/llm"
	badgerstore "github.com/stratumops/forecast-chat/services/storage/badger"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so upstream trace IDs flow through the
	// otelgin middleware into handler contexts.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	badgerCfg := badgerstore.DefaultConfig()
	badgerCfg.Path = cfg.Storage.Path
	badgerCfg.InMemory = cfg.Storage.InMemory
	db, err := badgerstore.OpenDB(badgerCfg)
	if err != nil {
		logger.Error("Failed to open BadgerDB",
			slog.String("path", cfg.Storage.Path),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	chat, err := llm.NewAnthropicClient()
	if err != nil {
		logger.Error("Failed to create LLM client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	backend := forecast.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)

	loop := assistant.NewLoop(
		chat,
		backend,
		catalog.New(backend, cfg.Catalog.TTL, logger),
		validation.New(
			validation.WithThresholds(cfg.Validation.HighConfidence, cfg.Validation.LowConfidence),
			validation.WithMaxSuggestions(cfg.Validation.MaxSuggestions),
		),
		diagnosis.New(backend, backend, 0, logger),
		convo.NewManager(
			convo.NewStore(logger, convo.WithDurable(db), convo.WithTTL(cfg.Convo.TTL)),
			logger,
		),
		assistant.NewMutationStore(db, cfg.Mutation.TTL, logger),
		logger,
	)

	handlers := assistant.NewHandlers(loop, logger)
	ws := assistant.NewWSHandler(loop, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("forecast-chat"))
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	assistant.RegisterRoutes(v1, handlers, ws)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	printBanner(cfg.Server.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("Shutting down forecast-chat server")
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close BadgerDB", slog.String("error", err.Error()))
		}
		os.Exit(0)
	}()

	logger.Info("Starting forecast-chat server",
		slog.String("address", cfg.Server.ListenAddr),
		slog.String("backend", cfg.Backend.BaseURL),
	)
	if err := router.Run(cfg.Server.ListenAddr); err != nil {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func printBanner(addr string) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                    FORECAST CHAT ASSISTANT                        ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Conversational access to workforce forecast reports.             ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost%s/v1/chat/health                   │  ║
║  │                                                             │  ║
║  │ # One chat turn                                             │  ║
║  │ curl -X POST http://localhost%s/v1/chat/turn \           │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"message": "show me April 2025"}'                    │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Chat: /v1/chat/turn, /confirm, /ws                          ║
║  ├── Conversations: /v1/conversations/:id (GET, clear, DELETE)   ║
║  ├── Catalog: /v1/catalog/invalidate                             ║
║  └── Metrics: /metrics                                           ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, addr, addr)
}
