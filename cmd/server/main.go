// Package main is the entry point for the stock ledger API server.
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

	"stockledger/internal/core/lock"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/reference"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/cache"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/reference_repo"
	"stockledger/internal/infrastructure/storage/postgres/register_repo"
	"stockledger/pkg/config"
	"stockledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatalw("server failed", "error", err)
	}
}

// backend is the storage stack selected by STORAGE_DRIVER.
type backend struct {
	store   stock.Store
	txm     tx.ReadOnlyManager
	lookup  reference.Lookup
	db      handlers.Pinger
	options []posting.Option
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()
	log.Infow("starting stockledger server", "driver", cfg.DB.Driver, "env", cfg.App.Env)

	var be *backend
	var err error
	switch cfg.DB.Driver {
	case config.DriverMemory:
		be = newMemoryBackend(log)
	default:
		be, err = newPostgresBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
	}
	defer be.close()

	lookup := reference.NewCachedLookup(be.lookup, cfg.Reference.CacheSize, cfg.Reference.CacheTTL)
	if pool, ok := be.db.(*postgres.Pool); ok {
		listener := cache.NewReferenceListener(pool.Pool, lookup)
		listener.Start(ctx)
		defer listener.Stop()
	}

	opts := append([]posting.Option{posting.WithCommitTimeout(cfg.Stock.CommitTimeout)}, be.options...)
	engine := posting.NewEngine(be.store, be.txm, reference.NewResolver(lookup), lock.NewGuard(cfg.Stock.LockTimeout), opts...)

	router := v1.NewRouter(v1.RouterConfig{
		Engine:  engine,
		Service: stock.NewService(be.store, be.txm),
		DB:      be.db,
		Logger:  log,
		Debug:   cfg.App.IsDevelopment(),
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Stock.LockTimeout + cfg.Stock.CommitTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	log.Info("shutting down server...")

	// In-flight commits run detached from the request context; give them time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newMemoryBackend(log *logger.Logger) *backend {
	store := memory.NewStore()
	catalog := memory.NewCatalog()
	catalog.SeedDemo()

	for _, kind := range []reference.Kind{reference.KindProduct, reference.KindUnit, reference.KindLocality, reference.KindShelf} {
		for _, e := range catalog.List(kind) {
			log.Infow("demo reference", "kind", kind, "id", e.ID, "name", e.Name)
		}
	}
	log.Warn("in-memory storage: stock is lost on restart")

	return &backend{store: store, txm: store, lookup: catalog}
}

func newPostgresBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.DB.URL)
	poolCfg.MaxConns = cfg.DB.MaxConns
	poolCfg.MinConns = cfg.DB.MinConns

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	be := &backend{db: pool, closers: []func(){pool.Close}}
	log.Info("database connection established")

	if cfg.DB.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			be.close()
			return nil, err
		}
	}

	txm := postgres.NewTxManager(pool)
	audit, err := postgres.NewAuditLog(txm)
	if err != nil {
		be.close()
		return nil, err
	}

	be.store = register_repo.NewStockRepo(txm)
	be.txm = txm
	be.lookup = reference_repo.NewReferenceRepo(txm)
	be.options = []posting.Option{
		posting.WithCommitHook(postgres.NewOutboxPublisher(txm)),
		posting.WithCommitHook(audit),
		posting.WithLimitsHook(audit),
	}

	postgres.LogPoolStats(ctx, pool)
	return be, nil
}
