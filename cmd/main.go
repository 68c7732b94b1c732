package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"char-chat/server/internal/config"
	"char-chat/server/internal/engine"
	"char-chat/server/internal/logger"
	"char-chat/server/internal/metrics"
	"char-chat/server/internal/prompts"
	"char-chat/server/internal/rag"
	"char-chat/server/internal/storage"
	"char-chat/server/internal/web"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "charchat",
		Short: "Character chat turn server",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})
	reindexCmd := &cobra.Command{
		Use:   "reindex-lore",
		Short: "Embed every lore note and upsert it into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			pageSize, _ := cmd.Flags().GetInt("page-size")
			return runReindex(cmd.Context(), pageSize)
		},
	}
	reindexCmd.Flags().Int("page-size", 100, "Notes embedded per batch")
	rootCmd.AddCommand(reindexCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

func runMigrate() error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info("schema migrated")
	return nil
}

func runReindex(ctx context.Context, pageSize int) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()

	index, err := rag.NewLoreIndex(cfg.Database.Qdrant)
	if err != nil {
		return err
	}
	defer index.Close()
	if err := index.EnsureCollection(ctx); err != nil {
		return err
	}

	embedder := rag.NewEmbeddingService(cfg.AI.LLM, cfg.AI.Embedding)
	n, err := rag.Reindex(ctx, storage.NewContentStore(db.GetDB()), embedder, index, pageSize)
	if err != nil {
		return fmt.Errorf("reindex stopped after %d notes: %w", n, err)
	}
	log.Info("lore reindexed", zap.Int("notes", n))
	return nil
}

func runServe(ctx context.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info("mysql connected")

	redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
	if err != nil {
		return err
	}
	defer redisStore.Close()
	log.Info("redis connected")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	content := storage.NewContentStore(db.GetDB())
	lore := rag.NewLoreRetriever(content)
	if cfg.Database.Qdrant.Enabled {
		index, err := rag.NewLoreIndex(cfg.Database.Qdrant)
		if err != nil {
			log.Warn("qdrant unavailable, lore falls back to newest notes", zap.Error(err))
		} else {
			defer index.Close()
			initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := index.EnsureCollection(initCtx); err != nil {
				log.Warn("failed to prepare lore collection", zap.Error(err))
			}
			cancel()
			lore.WithVectorSearch(rag.NewEmbeddingService(cfg.AI.LLM, cfg.AI.Embedding), index)
			log.Info("qdrant lore search enabled")
		}
	}

	templates := prompts.DefaultTemplates()
	if cfg.Prompts.TemplateFile != "" {
		if templates, err = prompts.LoadTemplates(cfg.Prompts.TemplateFile); err != nil {
			return err
		}
	}

	llm := engine.NewLLMClient(cfg.AI.LLM, m)
	assembler := prompts.NewAssembler(
		templates,
		content,
		lore,
		content,
		storage.NewCardCache(redisStore, cfg.Engine.CardCacheTTL),
		cfg.Engine,
	).WithCardGenerator(llm)

	turns := engine.NewTurnEngine(cfg.Engine, engine.Deps{
		Chats:     storage.NewChatStore(db.GetDB()),
		Content:   content,
		States:    storage.NewRoomStateStore(redisStore, cfg.Engine),
		Assembler: assembler,
		Generator: llm,
		Metrics:   m,
		Logger:    logger.Named("engine"),
	})

	hub := web.NewRoomHub(logger.Named("hub"))
	go hub.Run()
	defer hub.Stop()

	handlers := web.NewHandlers(turns, hub, logger.Named("http"))
	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      web.NewRouter(handlers, registry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("server shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("server stopped", zap.Int64("inflight_turns", turns.Inflight()))
	return nil
}
