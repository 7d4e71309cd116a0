// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/sflowlabs/sfbot/pkg/logging"
	"github.com/sflowlabs/sfbot/pkg/tokens"
	"github.com/sflowlabs/sfbot/services/gateway/config"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/history"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
	"github.com/sflowlabs/sfbot/services/gateway/routes"
	"github.com/sflowlabs/sfbot/services/gateway/routing"
	"github.com/sflowlabs/sfbot/services/gateway/services"
	"github.com/sflowlabs/sfbot/services/gateway/session"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
	"github.com/sflowlabs/sfbot/services/gateway/wordfilter"
	"github.com/sflowlabs/sfbot/services/llm"

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

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("sfbot-gateway")))
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

// newWeaviateClient connects to the history store, or returns nil when the
// URL is unset or invalid. The gateway runs fine without durable history.
func newWeaviateClient(rawURL string) *weaviate.Client {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" {
		slog.Info("SFBOT_WEAVIATE_URL not set. Running without durable chat history.")
		return nil
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		slog.Warn("SFBOT_WEAVIATE_URL is invalid. Running without durable chat history.",
			"url", rawURL, "error", err)
		return nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		slog.Error("Failed to create Weaviate client", "error", err)
		return nil
	}
	if err := history.EnsureSchema(context.Background(), client); err != nil {
		slog.Error("Failed to ensure chat history schema", "error", err)
	}
	return client
}

func main() {
	logger := logging.New(logging.Config{Service: "gateway", JSON: true})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	if cfg.OTELEndpoint != "" {
		cleanup, err := initTracer(cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	} else {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set. Trace export disabled.")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("FATAL: cannot reach Redis at %s: %v", cfg.RedisAddr, err)
	}

	counter, err := tokens.Default()
	if err != nil {
		log.Fatalf("FATAL: cannot load the tokenizer: %v", err)
	}

	chat := llm.NewOpenAIClientWith(cfg.OpenAIKey, cfg.OpenAIBase, cfg.ChatModel).
		WithEmbeddingModel(cfg.EmbeddingModel)

	sessions := session.NewStore(counter)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go sessions.StartJanitor(ctx, time.Hour, cfg.SessionIdleTTL)

	searcher := vectorindex.NewClient(rdb)
	filter := wordfilter.New(rdb, cfg.WordFilterReload)
	resolver := routing.NewResolver(rdb, chat, searcher)
	backend := history.NewBackend(cfg.BackendURL)
	recorder := history.NewRecorder(newWeaviateClient(cfg.WeaviateURL), rdb)

	builder := services.NewContextBuilder(
		sessions, searcher, chat, backend, rdb, counter,
		cfg.ContextTokens, cfg.InstructionPrompt,
	)
	resources := services.NewResourceFinder(searcher, chat)
	engine := services.NewReplyEngine(chat, sessions, filter, recorder, resources, 0).
		WithTenantProviders(func(tc datatypes.TenantContext) llm.Client {
			if tc.Provider != "" && tc.Provider != "openai" {
				slog.Warn("Unsupported tenant provider, using the OpenAI-compatible client",
					"provider", tc.Provider)
			}
			model := tc.Model
			if model == "" {
				model = cfg.ChatModel
			}
			return llm.NewOpenAIClientWith(tc.Credential, cfg.OpenAIBase, model)
		})
	gateway := services.NewGateway(
		builder, engine, resolver, sessions, searcher, backend,
		filter, recorder, cfg.ClearCommands,
	)

	metrics := observability.InitMetrics()

	router := gin.Default()
	router.Use(otelgin.Middleware("sfbot-gateway"))
	routes.SetupRoutes(router, gateway, metrics)

	slog.Info("Starting the gateway server", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
