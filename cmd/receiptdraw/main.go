// Package main запускает HTTP-сервер сервиса розыгрыша призов по чекам.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/receiptdraw/internal/config"
	"github.com/mmeshcher/receiptdraw/internal/handler"
	"github.com/mmeshcher/receiptdraw/internal/ingest"
	"github.com/mmeshcher/receiptdraw/internal/ledger"
	"github.com/mmeshcher/receiptdraw/internal/llm"
	"github.com/mmeshcher/receiptdraw/internal/messenger"
	"github.com/mmeshcher/receiptdraw/internal/observability"
	"github.com/mmeshcher/receiptdraw/internal/pipeline"
	"github.com/mmeshcher/receiptdraw/internal/repository"
	"github.com/mmeshcher/receiptdraw/internal/reward"
	"github.com/mmeshcher/receiptdraw/internal/service"
	"github.com/mmeshcher/receiptdraw/internal/tenant"
)

const version = "1.0.0"

// store объединяет всё, что сервис требует от хранилища.
type store interface {
	service.Repository
	ledger.Store
	ingest.MessageStore
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := run(cfg, logger); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(cfg *config.Config) (store, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
	return repository.NewSQLiteRepository(cfg.SQLitePath)
}

func seedTenants(ctx context.Context, path string, svc *service.Service) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	recs, err := tenant.LoadSeed(f)
	if err != nil {
		return 0, err
	}
	if err := svc.Seed(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("tracing initialization error: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			sugar.Warnw("tracing shutdown error", "error", err)
		}
	}()

	repo, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("database initialization error: %w", err)
	}

	svc := service.NewService(repo)
	defer svc.Close()

	if cfg.TenantSeedFile != "" {
		n, err := seedTenants(ctx, cfg.TenantSeedFile, svc)
		if err != nil {
			return fmt.Errorf("tenant seed error: %w", err)
		}
		sugar.Infow("tenants seeded", "count", n, "file", cfg.TenantSeedFile)
	}

	if cfg.LLMAPIKey == "" {
		sugar.Warn("LLM_API_KEY is not set, every image will get the unreadable reply")
	}
	if cfg.VerifyToken == "" {
		sugar.Warn("FB_VERIFY_TOKEN is not set, webhook verification and admin API are disabled")
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		VisionModel: cfg.VisionModel,
		Timeout:     cfg.LLMTimeout,
		MaxRetries:  cfg.LLMMaxRetries,
	}, logger)

	sender := messenger.NewClient(messenger.Config{
		BaseURL: cfg.GraphAPIURL,
		Timeout: cfg.SendTimeout,
		RPS:     cfg.SendRPS,
		Burst:   cfg.SendBurst,
	}, logger)

	orchestrator := pipeline.New(pipeline.Deps{
		Tenants:    tenant.NewResolver(repo, logger),
		OCR:        llmClient,
		Validator:  llmClient,
		Ledger:     ledger.New(repo, logger),
		Selector:   reward.NewSelector(nil),
		Dispatcher: pipeline.NewDispatcher(sender, cfg.PageAccessToken, logger),
	}, logger)

	var dedup ingest.Deduper
	switch cfg.DedupBackend {
	case config.DedupDatabase:
		sd := ingest.NewStoreDedup(repo, cfg.DedupTTL, logger)
		sd.StartPurge(ctx, cfg.DedupPurgeInterval)
		dedup = sd
	default:
		dedup = ingest.NewMemoryCache(cfg.DedupTTL, cfg.DedupMaxEntries)
	}

	gate := ingest.NewGate(dedup, orchestrator, cfg.PipelineTimeout, logger)

	h := handler.NewHandler(svc, gate, logger, cfg.VerifyToken, cfg.RequiredSettings())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting receiptdraw server",
			"addr", cfg.RunAddress,
			"postgres", cfg.DatabaseURI != "",
			"dedup", cfg.DedupBackend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown: сначала HTTP-сервер, затем ожидание фоновых запусков конвейера.
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := gate.Wait(shutdownCtx); err != nil {
			sugar.Warnw("pipeline runs still in flight at shutdown", "error", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
