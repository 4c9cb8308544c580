package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/backend"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/httpapi"
	"github.com/fyrsmithlabs/ragd/internal/indexer"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/session"
	"github.com/fyrsmithlabs/ragd/internal/summarize"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/turn"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ragd HTTP server",
	Long: `Start the ragd daemon: initializes the vector store, embedding
provider, backend engine, and chat indexer, then serves the HTTP API until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	embedder, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}
	defer embedder.Close()

	store, err := newVectorStore(cfg, embedder, logger)
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	defer store.Close()

	engine := backend.NewEngine(cfg.Backend.Engine, logger)
	defer engine.Close()
	engine.SetGenerationConfig(cfg.Backend.Generation)

	if cfg.Backend.Kind != "" {
		kind, _ := backend.ParseKind(cfg.Backend.Kind)
		if err := engine.SetActiveBackend(ctx, kind, cfg.Backend.Model, cfg.Backend.Options()); err != nil {
			// The process stays usable; a backend can be activated later
			// through the API.
			logger.Error("startup backend activation failed",
				zap.String("kind", cfg.Backend.Kind),
				zap.String("model", cfg.Backend.Model),
				zap.Error(err))
		}
	}

	tokenizer, err := prompt.NewTiktokenTokenizer()
	if err != nil {
		return fmt.Errorf("init tokenizer: %w", err)
	}

	sessions := session.NewMemoryStore()
	retriever := retrieval.NewOrchestrator(cfg.Retrieval, store, embedder, logger)
	summarizer := summarize.NewSummarizer(cfg.Summarize, engine, logger)
	assembler := prompt.NewAssembler(cfg.Prompt, tokenizer, logger)
	indexing := indexer.NewIndexer(cfg.Indexer, store, embedder, sessions, logger)
	defer indexing.Close()

	turns := turn.NewService(cfg.Turn, sessions, retriever, summarizer, assembler, engine, indexing, logger)

	server, err := httpapi.NewServer(httpapi.Config{Port: cfg.Server.Port}, sessions, turns, engine, logger)
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("ragd started",
		zap.Int("port", cfg.Server.Port),
		zap.String("vector_store", cfg.VectorStore.Provider))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// newVectorStore builds the configured store. The qdrant collection needs
// the embedding dimension up front; it falls back to the provider's.
func newVectorStore(cfg *config.Config, embedder embeddings.Provider, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		qcfg := cfg.VectorStore.Qdrant
		if qcfg.VectorSize == 0 {
			qcfg.VectorSize = embedder.Dimension()
		}
		return vectorstore.NewQdrantStore(qcfg, logger)
	default:
		return vectorstore.NewChromemStore(cfg.VectorStore.Chromem, logger)
	}
}
