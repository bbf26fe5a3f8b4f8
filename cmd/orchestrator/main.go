// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the taleforge orchestrator HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - TALEFORGE_DB_PATH: SQLite database file (default: ./taleforge.db)
//   - TALEFORGE_API_KEY: bearer token for /v1 routes (empty disables auth)
//   - TALEFORGE_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default: INFO)
//   - TALEFORGE_LOG_DIR: directory for log files (empty: stderr only)
//   - LLM_API_KEY: upstream completion API key (required)
//   - LLM_DEFAULT_MODEL: model when a message names none (default: gpt-4o-mini)
//   - LLM_DEBUG: "true" enables wire-level stream diagnostics
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: taleforge-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/taleforge/taleforge/pkg/logging"
	"github.com/taleforge/taleforge/services/orchestrator"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("TALEFORGE_LOG_LEVEL")),
		LogDir:  os.Getenv("TALEFORGE_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	logger.SetAsDefault()

	cfg := orchestrator.Config{
		Port:         getEnvInt("ORCHESTRATOR_PORT", 12210),
		DBPath:       getEnvString("TALEFORGE_DB_PATH", "taleforge.db"),
		DefaultModel: getEnvString("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "taleforge-otel-collector:4317"),
		APIKey:       os.Getenv("TALEFORGE_API_KEY"),
		LLMDebug:     os.Getenv("LLM_DEBUG") == "true",
	}

	logger.Info("Starting orchestrator",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"default_model", cfg.DefaultModel,
		"otel_endpoint", cfg.OTelEndpoint,
		"auth_enabled", cfg.APIKey != "")

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the environment variable parsed as int or a default.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
