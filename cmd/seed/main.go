// Package main applies the schema and seeds demo reference data.
// Ids are derived from names, so running it twice changes nothing.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/reference"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/config"
	"stockledger/pkg/logger"
)

type refSeed struct {
	kind     reference.Kind
	name     string
	locality string // shelves only
	brand    string // products only
}

var demo = []refSeed{
	{kind: reference.KindUnit, name: "pcs"},
	{kind: reference.KindUnit, name: "kg"},
	{kind: reference.KindUnit, name: "m"},
	{kind: reference.KindLocality, name: "Main warehouse"},
	{kind: reference.KindLocality, name: "Shop floor"},
	{kind: reference.KindShelf, name: "A-01", locality: "Main warehouse"},
	{kind: reference.KindShelf, name: "A-02", locality: "Main warehouse"},
	{kind: reference.KindShelf, name: "Front", locality: "Shop floor"},
	{kind: reference.KindProduct, name: "Hex bolt M6", brand: "Fastenal"},
	{kind: reference.KindProduct, name: "Washer 6mm", brand: "Fastenal"},
	{kind: reference.KindProduct, name: "Copper wire 2.5mm", brand: "Nexans"},
}

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load config", "error", err)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DB.URL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalw("failed to apply schema", "error", err)
	}

	txm := postgres.NewTxManager(pool)
	err = txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return seedReferences(ctx, txm, log)
	})
	if err != nil {
		log.Fatalw("failed to seed reference data", "error", err)
	}

	log.Info("seeding completed successfully")
}

func seedID(kind reference.Kind, name string) id.ID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("stockledger/"+string(kind)+"/"+name))
}

func seedReferences(ctx context.Context, txm *postgres.TxManager, log *logger.Logger) error {
	queries := make([]postgres.BatchQuery, 0, len(demo))
	for _, s := range demo {
		refID := seedID(s.kind, s.name)
		switch s.kind {
		case reference.KindShelf:
			queries = append(queries, postgres.BatchQuery{
				SQL: `INSERT INTO ref_shelves (id, locality_id, name) VALUES ($1, $2, $3)
				      ON CONFLICT (id) DO NOTHING`,
				Args: []any{refID, seedID(reference.KindLocality, s.locality), s.name},
			})
		case reference.KindProduct:
			queries = append(queries, postgres.BatchQuery{
				SQL: `INSERT INTO ref_products (id, name, brand_name) VALUES ($1, $2, $3)
				      ON CONFLICT (id) DO NOTHING`,
				Args: []any{refID, s.name, s.brand},
			})
		default:
			queries = append(queries, postgres.BatchQuery{
				SQL:  fmt.Sprintf(`INSERT INTO %s (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, table(s.kind)),
				Args: []any{refID, s.name},
			})
		}
	}

	results, err := postgres.NewBatchInserter(txm).SendBatch(ctx, queries)
	if err != nil {
		return err
	}
	defer results.Close()

	for _, s := range demo {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("seed %s %q: %w", s.kind, s.name, err)
		}
		log.Infow("reference", "kind", s.kind, "name", s.name, "id", seedID(s.kind, s.name), "inserted", tag.RowsAffected() > 0)
	}
	return nil
}

func table(kind reference.Kind) string {
	switch kind {
	case reference.KindProduct:
		return "ref_products"
	case reference.KindUnit:
		return "ref_units"
	default:
		return "ref_localities"
	}
}
