// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the core orchestrator service for taleforge.
//
// This package contains the main Orchestrator type that coordinates all
// components of the service: HTTP routing, the streaming completion client,
// the stream session manager, SQLite persistence, and observability
// infrastructure.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/taleforge/taleforge/services/llm"
	"github.com/taleforge/taleforge/services/orchestrator/handlers"
	"github.com/taleforge/taleforge/services/orchestrator/routes"
	"github.com/taleforge/taleforge/services/orchestrator/store"
	"github.com/taleforge/taleforge/services/orchestrator/stream"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	//
	// # Outputs
	//
	//   - error: Non-nil if server fails to start or encounters fatal error
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Outputs
	//
	//   - *gin.Engine: The configured router with all routes registered
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables, config files,
// or programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port and model
//	cfg := Config{
//	    Port:         8080,
//	    DefaultModel: "gpt-4o",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// DBPath is the SQLite database file path. Default: "taleforge.db"
	DBPath string

	// DefaultModel is the model used when a message does not name one.
	// Default: "gpt-4o-mini"
	DefaultModel string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "taleforge-otel-collector:4317"
	OTelEndpoint string

	// APIKey protects the /v1 route group when non-empty.
	// Empty disables request authentication.
	APIKey string

	// Credentials resolves the upstream API key and stream tunables.
	// Default: store.EnvCredentialProvider
	Credentials store.CredentialProvider

	// LLMDebug enables verbose wire-level diagnostics from the
	// completion client.
	LLMDebug bool
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates:
//   - HTTP routing via Gin
//   - The streaming completion client
//   - The stream session manager and its idle sweeper
//   - SQLite persistence via GORM
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	store         *store.GormStore
	manager       *stream.Manager
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Opens the SQLite store and migrates the schema
//  4. Resolves upstream credentials and stream tunables
//  5. Creates the streaming completion client
//  6. Creates the stream session manager and starts its idle sweeper
//  7. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	cfg := Config{Port: 12210, DefaultModel: "gpt-4o-mini"}
//	svc, err := New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Assumptions
//
//   - Environment variables for the credential provider are set
//   - Network is available for the OTel collector connection
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.store, err = store.NewGormStore(s.config.DBPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open database %s: %w", s.config.DBPath, err)
	}

	apiKey, tunables, err := s.config.Credentials.Credentials(context.Background())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to resolve upstream credentials: %w", err)
	}

	streamClient, err := llm.NewOpenAIStreamClient(llm.StreamClientConfig{
		APIKey:     apiKey,
		Timeout:    tunables.RequestTimeout,
		MaxRetries: tunables.MaxRetries,
		Sink:       llm.NewSlogDiagnosticSink(s.config.LLMDebug),
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize completion client: %w", err)
	}

	s.manager, err = stream.NewManager(stream.ManagerConfig{
		Client:           streamClient,
		Writer:           s.store,
		SubscriberBuffer: tunables.SubscriberBuffer,
		MaxSessionAge:    tunables.MaxSessionAge,
		SweepInterval:    tunables.SweepInterval,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize stream manager: %w", err)
	}
	s.manager.StartSweeper()

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
//
// # Outputs
//
//   - error: Non-nil if server fails to start or encounters fatal error
//
// # Limitations
//
//   - Blocks until server stops
//   - Cleanup is automatic on return
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "taleforge.db"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "taleforge-otel-collector:4317"
	}
	if cfg.Credentials == nil {
		cfg.Credentials = store.EnvCredentialProvider{}
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("taleforge-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Assumptions
//
//   - The store and stream manager are initialized
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("taleforge-orchestrator"))

	routes.SetupRoutes(s.router,
		handlers.NewStreamHandlers(s.manager, s.store, s.config.DefaultModel),
		handlers.NewEntityHandlers(s.store),
		s.config.APIKey)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Stops the idle
// sweeper and shuts down the tracer.
func (s *service) cleanup() {
	if s.manager != nil {
		s.manager.StopSweeper()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
