// Package main is the entry point for the outbox relay worker.
// It publishes committed batch events from sys_outbox to RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stockledger/internal/infrastructure/messaging"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/config"
	"stockledger/pkg/logger"
)

const (
	dlqInterval       = time.Minute
	purgeInterval     = time.Hour
	publishedRetained = 7 * 24 * time.Hour
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

	if cfg.DB.Driver != config.DriverPostgres {
		log.Fatalw("outbox worker requires the postgres driver", "driver", cfg.DB.Driver)
	}
	if cfg.AMQP.URL == "" {
		log.Fatal("AMQP_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting stockledger outbox worker")

	poolCfg := postgres.DefaultPoolConfig(cfg.DB.URL)
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	publisher, err := messaging.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		log.Fatalw("failed to connect to broker", "error", err)
	}
	defer publisher.Close()

	txm := postgres.NewTxManager(pool)
	worker := &Worker{
		relay: postgres.NewOutboxRelay(txm, cfg.Outbox.BatchSize, cfg.Outbox.MaxRetries, publisher),
		poll:  cfg.Outbox.PollInterval,
		log:   log.WithComponent("outbox"),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Worker drives the outbox relay on a ticker.
type Worker struct {
	relay *postgres.OutboxRelay
	poll  time.Duration
	log   *logger.Logger
}

// Run polls until ctx is cancelled. A full batch is followed immediately
// by another poll so a backlog drains without waiting for the ticker.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	lastDLQ := time.Now()
	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for ctx.Err() == nil {
			n, err := w.relay.ProcessBatch(ctx)
			if err != nil {
				w.log.Errorw("outbox poll failed", "error", err)
				break
			}
			if n > 0 {
				w.log.Debugw("outbox messages published", "count", n)
			}
			if n == 0 {
				break
			}
		}

		if time.Since(lastDLQ) >= dlqInterval {
			lastDLQ = time.Now()
			if moved, err := w.relay.MoveToDLQ(ctx); err != nil {
				w.log.Errorw("move to DLQ failed", "error", err)
			} else if moved > 0 {
				w.log.Warnw("outbox messages moved to DLQ", "count", moved)
			}
		}

		if time.Since(lastPurge) >= purgeInterval {
			lastPurge = time.Now()
			if purged, err := w.relay.PurgePublished(ctx, publishedRetained); err != nil {
				w.log.Errorw("purge published failed", "error", err)
			} else if purged > 0 {
				w.log.Infow("published outbox messages purged", "count", purged)
			}
		}
	}
}
