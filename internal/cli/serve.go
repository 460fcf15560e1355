package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rag-tutor/internal/api"
	"rag-tutor/internal/chunker"
	"rag-tutor/internal/config"
	"rag-tutor/internal/embeddings"
	"rag-tutor/internal/events"
	"rag-tutor/internal/extract"
	"rag-tutor/internal/llm"
	"rag-tutor/internal/logging"
	"rag-tutor/internal/rag"
	"rag-tutor/internal/realtime"
	"rag-tutor/internal/retriever"
	"rag-tutor/internal/session"
	"rag-tutor/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.App)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(events.WithQueueSize(cfg.Events.QueueSize), events.WithBacklog(cfg.Events.Backlog))
	defer bus.Close()
	go events.RunLogSink(ctx, bus, logger.Named("events"))

	embedder, err := embeddings.New(cfg.Embedding, logger.Named("embeddings"))
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if c, ok := embedder.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	factory, err := storage.NewFactory(cfg.Index.Backend)
	if err != nil {
		return err
	}
	sessions := session.NewManager(chunker.FromConfig(cfg.Chunking), embedder, factory, bus,
		session.WithAutoStart(cfg.Session.AutoStart),
		session.WithLogger(logger.Named("session")))
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("closing sessions", zap.Error(err))
		}
	}()

	synth, err := llm.New(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("synthesizer: %w", err)
	}

	extractOpts := []extract.Option{
		extract.WithLogger(logger.Named("extract")),
		extract.WithMaxFetchBytes(int64(cfg.Ingest.MaxUploadMB) << 20),
	}
	if !cfg.Ingest.PDFToTextFallback {
		extractOpts = append(extractOpts, extract.WithPDFFallback(nil))
	}

	svc, err := rag.NewService(sessions,
		extract.New(cfg.Ingest.RequestTimeoutDuration(), extractOpts...),
		retriever.New(sessions, embedder, bus, logger.Named("retriever")),
		synth, bus,
		rag.WithMaxConcurrency(cfg.Ingest.MaxConcurrentTasks),
		rag.WithNewSessionDefault(cfg.Session.NewOnIngest),
		rag.WithLogger(logger.Named("rag")))
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	ws := realtime.NewServer(bus, sessions, realtime.TimingsFromConfig(cfg.Realtime),
		realtime.WithAllowedOrigins(cfg.Server.CORSOrigins),
		realtime.WithServerLogger(logger.Named("realtime")))
	server := api.NewServer(cfg, svc, ws, logger.Named("api"))

	logger.Info("pipeline ready",
		zap.String("embedding_model", embedder.ModelID()),
		zap.String("index", cfg.Index.Backend),
		zap.String("synthesizer", synth.Name()),
		zap.String("environment", cfg.App.Environment))

	errc := make(chan error, 1)
	go func() { errc <- server.Run() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Warn("realtime shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errc
}
