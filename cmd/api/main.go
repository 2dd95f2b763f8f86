package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"nexus/internal/authn"
	"nexus/internal/briefing"
	"nexus/internal/config"
	"nexus/internal/consulta"
	"nexus/internal/email"
	"nexus/internal/gmailclient"
	"nexus/internal/httpapi"
	"nexus/internal/llm"
	"nexus/internal/logging"
	"nexus/internal/memory"
	"nexus/internal/nexus"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/tasks"
	"nexus/internal/valueproc"
)

func main() {
	// 1. Load and validate all environment variables — fail fast if any are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogPath, cfg.LogLevel, cfg.AppEnv)
	defer logger.Sync()

	// 2. Load and compile the YAML system prompts.
	llm.LoadPrompts("templates")

	// 3. Initialise the SQLite database and run migrations.
	db := store.Init(cfg.DBPath)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Construct the process-wide collaborators.
	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	resolver := authn.NewHMACResolver(cfg.AppTokenSecret)

	var sender push.Sender
	hub, err := push.NewHub(ctx)
	if err != nil {
		logger.Warnw("push: hub unavailable, notifications disabled", "err", err)
	} else {
		sender = hub
		defer hub.Stop()
	}

	var embedder memory.Embedder
	if cfg.EmbeddingAPIKey != "" {
		embedder = memory.NewHTTPEmbedder("https://api.openai.com/v1/embeddings", cfg.EmbeddingAPIKey)
	}
	mem := memory.New(db, embedder, logger)

	extractor := tasks.New(db, llmClient, sender, logger)
	values := valueproc.New(db, llmClient, extractor, sender, mem, logger)
	engine := consulta.New(db, llmClient, mem, logger)
	triage := email.NewTriage(db, llmClient, sender, logger)
	nx := nexus.New(db, llmClient, nexus.UnavailableTranscriber{}, logger)

	gmailFactory := func(ctx context.Context, accessToken string) (gmailclient.Client, error) {
		return gmailclient.NewFromToken(ctx, accessToken)
	}

	// 5. Start the briefing scheduler.
	scheduler := briefing.New(db, sender, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// 6. Set up the router and serve until signalled.
	server := httpapi.NewServer(cfg, db, resolver, llmClient, extractor, values, engine, triage, nx, sender, gmailFactory, logger)

	srv := &http.Server{
		Addr:         ":8080",
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Infow("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server: listen failed", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server: shutdown", "err", err)
	}
}
