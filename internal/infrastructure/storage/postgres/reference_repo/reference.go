// Package reference_repo reads product, unit, locality and shelf records
// owned by the catalog service.
package reference_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/reference"
	"stockledger/internal/infrastructure/storage/postgres"
)

var tables = map[reference.Kind]string{
	reference.KindProduct:  "ref_products",
	reference.KindUnit:     "ref_units",
	reference.KindLocality: "ref_localities",
	reference.KindShelf:    "ref_shelves",
}

// KindForTable maps a table name back to its reference kind.
func KindForTable(table string) (reference.Kind, bool) {
	for k, t := range tables {
		if t == table {
			return k, true
		}
	}
	return "", false
}

var _ reference.Lookup = (*ReferenceRepo)(nil)

// ReferenceRepo implements reference.Lookup.
type ReferenceRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

func NewReferenceRepo(txm *postgres.TxManager) *ReferenceRepo {
	return &ReferenceRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Lookup returns reference.ErrNotFound for unknown ids.
func (r *ReferenceRepo) Lookup(ctx context.Context, kind reference.Kind, refID id.ID) (reference.Entry, error) {
	q, err := r.lookupQuery(kind, refID)
	if err != nil {
		return reference.Entry{}, err
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return reference.Entry{}, fmt.Errorf("build query: %w", err)
	}

	var entry reference.Entry
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &entry, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return reference.Entry{}, reference.ErrNotFound
		}
		return reference.Entry{}, fmt.Errorf("lookup %s: %w", kind, err)
	}
	entry.Kind = kind
	return entry, nil
}

func (r *ReferenceRepo) lookupQuery(kind reference.Kind, refID id.ID) (squirrel.SelectBuilder, error) {
	table, ok := tables[kind]
	if !ok {
		return squirrel.SelectBuilder{}, fmt.Errorf("unknown reference kind %q", kind)
	}

	locality := "NULL::uuid AS locality_id"
	if kind == reference.KindShelf {
		locality = "locality_id"
	}
	brand := "'' AS brand_name"
	if kind == reference.KindProduct {
		brand = "brand_name"
	}
	return r.builder.Select("id", "name", "is_active", locality, brand).
		From(table).
		Where(squirrel.Eq{"id": refID}), nil
}
