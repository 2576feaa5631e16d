package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seanblong/codebot/internal/ai"
	"github.com/seanblong/codebot/internal/analytics"
	"github.com/seanblong/codebot/internal/answer"
	"github.com/seanblong/codebot/internal/api"
	"github.com/seanblong/codebot/internal/config"
	"github.com/seanblong/codebot/internal/rerank"
	"github.com/seanblong/codebot/internal/search"
	"github.com/seanblong/codebot/internal/store"
	"github.com/seanblong/codebot/internal/telemetry"
	"github.com/seanblong/codebot/internal/wiki"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("codebot-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.Store.Backend).Str("log_level", cfg.LogLevel).Msg("starting codebot api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, "codebot-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	c, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", c.Dim()).Str("embed_model", cfg.EmbedModel).Str("chat_model", cfg.ChatModel).Msg("AI client initialized")

	st, err := store.Open(ctx, store.Options{
		Backend:    cfg.Store.Backend,
		Database:   cfg.Store.Database,
		PersistDir: cfg.Store.PersistDir,
		Collection: cfg.Store.Collection,
	})
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatalf("Failed to migrate vector store: %v", err)
	}
	if n, err := st.Count(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to count indexed chunks")
	} else {
		logger.Info().Int("chunks", n).Str("collection", st.Collection()).Str("location", st.Location()).Msg("vector store ready")
	}

	rr, err := rerank.New(rerank.Config{
		Provider:  cfg.Rerank.Provider,
		URL:       cfg.Rerank.URL,
		Model:     cfg.Rerank.Model,
		MaxLength: cfg.Rerank.MaxLength,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to create reranker: %v", err)
	}

	svc := search.NewService(c, c, st, rr, search.QueryOpts{
		RetrieveK: cfg.Search.RetrieveTopK,
		RerankN:   cfg.Search.RerankTopN,
	})
	wikiClient := wiki.New(wiki.Config{
		SearchURL: cfg.Gateways.WikiURL,
		PageURL:   cfg.Gateways.WikiPageURL,
		Timeout:   cfg.Gateways.Timeout,
	})
	analyticsClient := analytics.New(cfg.Gateways.AnalyticsURL, cfg.Gateways.Timeout)
	orchestrator := answer.New(svc, c, wikiClient, analyticsClient)

	mux := api.NewMux(orchestrator, st)

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{
		Addr:              address,
		Handler:           otelhttp.NewHandler(handler, "codebot-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server stopped")
		stop()
		os.Exit(1)
	}
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	cc := &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Timeout:    cfg.Timeout,
	}
	switch strings.ToLower(cfg.Provider) {
	case "vertexai", "google":
		cc.Provider = ai.ProviderVertexAI
	default:
		cc.Provider = ai.Provider(strings.ToLower(cfg.Provider))
	}
	return cc
}
