package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/codebot/internal/ai"
	"github.com/seanblong/codebot/internal/config"
	"github.com/seanblong/codebot/internal/indexer"
	"github.com/seanblong/codebot/internal/store"
)

func main() {
	fs := pflag.NewFlagSet("codebot-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if err := run(cfg); err != nil {
		zlog.Error().Err(err).Msg("indexing failed")
		os.Exit(1)
	}
}

// run indexes the configured codebase. A cloned repository is removed
// before run returns, whatever the outcome.
func run(cfg config.Specification) error {
	repo := cfg.Index.CodebasePath
	if cfg.Index.RepoURL != "" {
		dir, err := cloneToTemp(cfg.Index.RepoURL, cfg.Index.GitRef, cfg.Index.GithubToken)
		if err != nil {
			return fmt.Errorf("clone failed: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				zlog.Warn().Err(err).Str("dir", dir).Msg("failed to remove temp directory")
			}
		}()
		repo = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := strings.ToLower(cfg.Provider)
	clientConfig := &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Timeout:    cfg.Timeout,
	}
	switch provider {
	case "openai":
		clientConfig.Provider = ai.ProviderOpenAI
	case "vertexai", "google":
		clientConfig.Provider = ai.ProviderVertexAI
	case "stub":
		clientConfig.Provider = ai.ProviderStub
	default:
		return fmt.Errorf("unsupported provider: %s", provider)
	}

	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("create AI client: %w", err)
	}
	if c.Dim() == 0 {
		return errors.New("embedding dimension must be set")
	}

	st, err := store.Open(ctx, store.Options{
		Backend:    cfg.Store.Backend,
		Database:   cfg.Store.Database,
		PersistDir: cfg.Store.PersistDir,
		Collection: cfg.Store.Collection,
	})
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer st.Close()

	ix, err := indexer.New(st, c, indexer.Options{
		ChunkSize:    cfg.Index.ChunkSize,
		ChunkOverlap: cfg.Index.ChunkOverlap,
		BatchSize:    cfg.Index.BatchSize,
		Reset:        cfg.Index.Reset,
		EmbedRate:    cfg.EmbedRate,
	})
	if err != nil {
		return err
	}

	zlog.Info().Str("root", repo).Str("provider", provider).Str("collection", st.Collection()).Bool("reset", cfg.Index.Reset).Msg("indexing codebase")
	stats, err := ix.Run(ctx, repo)
	if err != nil {
		return err
	}

	fmt.Printf("Files processed: %d\n", stats.FilesProcessed)
	fmt.Printf("Files skipped:   %d\n", stats.FilesSkipped)
	fmt.Printf("Chunks created:  %d\n", stats.ChunksCreated)
	fmt.Printf("Collection:      %s\n", stats.CollectionName)
	fmt.Printf("Location:        %s\n", stats.PersistLocation)
	return nil
}

func cloneToTemp(repoURL, ref, token string) (string, error) {
	dir, err := os.MkdirTemp("", "codebot-*")
	if err != nil {
		return "", err
	}
	url := repoURL
	if token != "" && strings.HasPrefix(url, "https://") {
		url = "https://" + token + ":x-oauth-basic@" + strings.TrimPrefix(url, "https://")
	}
	cmd := exec.Command("git", "clone", "--depth", "1", "--branch", ref, url, dir)
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Printf("Failed to remove temp directory %s: %v", dir, rmErr)
		}
		return "", fmt.Errorf("git clone: %w", err)
	}
	return dir, nil
}
