// Package register_repo provides PostgreSQL implementations for the stock ledger,
// projection and batch registry.
package register_repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	stockMovementsTable = "stock_movements"
	stockLevelsTable    = "stock_levels"
	stockBatchesTable   = "stock_batches"

	batchesPrimaryKey      = "stock_batches_pkey"
	levelsNonNegativeCheck = "stock_levels_quantity_nonnegative"
)

var movementColumns = []string{
	"id", "batch_id", "line_no", "direction",
	"product_id", "unit_id", "locality_id", "shelf_id", "quantity",
	"invoice_number", "order_number", "notes",
	"product_name", "brand_name", "unit_name", "locality_name", "shelf_name",
	"created_at",
}

var levelColumns = []string{
	"product_id", "locality_id", "quantity",
	"min_quantity", "max_quantity", "last_movement_id", "updated_at",
}

// ensureLevelsSQL creates empty rows for keys that never moved so they can be locked.
const ensureLevelsSQL = `INSERT INTO stock_levels (product_id, locality_id, updated_at) ` +
	`SELECT p, l, NOW() FROM unnest($1::uuid[], $2::uuid[]) AS k(p, l) ` +
	`ON CONFLICT (product_id, locality_id) DO NOTHING`

// lockLevelsSQL locks rows in canonical key order.
var lockLevelsSQL = "SELECT " + strings.Join(levelColumns, ", ") + " FROM stock_levels " +
	"WHERE (product_id, locality_id) IN (SELECT p, l FROM unnest($1::uuid[], $2::uuid[]) AS k(p, l)) " +
	"ORDER BY product_id, locality_id FOR UPDATE"

// applySuffix leaves the row untouched when the result would go negative.
const applySuffix = "ON CONFLICT (product_id, locality_id) DO UPDATE " +
	"SET quantity = stock_levels.quantity + EXCLUDED.quantity, " +
	"last_movement_id = EXCLUDED.last_movement_id, updated_at = EXCLUDED.updated_at " +
	"WHERE stock_levels.quantity + EXCLUDED.quantity >= 0 " +
	"RETURNING quantity"

var batchColumns = []string{
	"id", "direction", "invoice_number", "order_number", "notes",
	"line_count", "request_hash", "committed_by", "committed_at",
}

var _ stock.Store = (*StockRepo)(nil)

// StockRepo implements stock.Store on PostgreSQL.
type StockRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewStockRepo creates a new stock repository.
func NewStockRepo(txm *postgres.TxManager) *StockRepo {
	return &StockRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// --- Ledger ---

// AppendMovements inserts rows with COPY. Requires a transaction in ctx.
func (r *StockRepo) AppendMovements(ctx context.Context, movements []entity.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(movements))
	for _, m := range movements {
		rows = append(rows, []any{
			m.ID, m.BatchID, m.LineNo, string(m.Direction),
			m.ProductID, m.UnitID, m.LocalityID, m.ShelfID, m.Quantity.Int64Scaled(),
			m.InvoiceNumber, m.OrderNumber, m.Notes,
			m.ProductName, m.BrandName, m.UnitName, m.LocalityName, m.ShelfName,
			m.CreatedAt,
		})
	}

	inserter := postgres.NewBatchInserter(r.txm)
	if _, err := inserter.CopyFromSlice(ctx, stockMovementsTable, movementColumns, rows); err != nil {
		return fmt.Errorf("copy movements: %w", err)
	}
	return nil
}

// GetMovementsByBatch retrieves the rows of a batch in line order.
func (r *StockRepo) GetMovementsByBatch(ctx context.Context, batchID string) ([]entity.Movement, error) {
	q := r.builder.Select(movementColumns...).
		From(stockMovementsTable).
		Where(squirrel.Eq{"batch_id": batchID}).
		OrderBy("line_no")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []entity.Movement
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}
	return movements, nil
}

// GetMovement returns a single ledger row.
func (r *StockRepo) GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error) {
	var m entity.Movement

	sql, args, err := r.builder.Select(movementColumns...).
		From(stockMovementsTable).
		Where(squirrel.Eq{"id": movementID}).
		ToSql()
	if err != nil {
		return m, fmt.Errorf("build query: %w", err)
	}

	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return m, apperror.NewNotFound("movement", movementID)
		}
		return m, fmt.Errorf("get movement: %w", err)
	}
	return m, nil
}

// ListMovements returns a page of movements, newest first, and the total count.
func (r *StockRepo) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]entity.Movement, int, error) {
	querier := r.txm.GetQuerier(ctx)

	countSQL, countArgs, err := r.movementFilter(r.builder.Select("COUNT(*)").From(stockMovementsTable), filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := querier.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count movements: %w", err)
	}
	if total == 0 {
		return []entity.Movement{}, 0, nil
	}

	sql, args, err := r.movementPage(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build query: %w", err)
	}

	movements := make([]entity.Movement, 0)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, 0, fmt.Errorf("select movements: %w", err)
	}
	return movements, total, nil
}

func (r *StockRepo) movementPage(filter stock.MovementFilter) squirrel.SelectBuilder {
	q := r.movementFilter(r.builder.Select(movementColumns...).From(stockMovementsTable), filter).
		OrderBy("seq DESC")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return q
}

func (r *StockRepo) movementFilter(q squirrel.SelectBuilder, filter stock.MovementFilter) squirrel.SelectBuilder {
	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocalityID != nil {
		q = q.Where(squirrel.Eq{"locality_id": *filter.LocalityID})
	}
	if filter.Direction != nil {
		q = q.Where(squirrel.Eq{"direction": string(*filter.Direction)})
	}
	if filter.BatchID != "" {
		q = q.Where(squirrel.Eq{"batch_id": filter.BatchID})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"created_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"created_at": *filter.ToDate})
	}
	return q
}

type keySum struct {
	ProductID  id.ID `db:"product_id"`
	LocalityID id.ID `db:"locality_id"`
	Quantity   int64 `db:"quantity"`
}

// SumByKey recomputes levels from the ledger.
func (r *StockRepo) SumByKey(ctx context.Context, filter stock.LevelFilter) (map[entity.LevelKey]types.Quantity, error) {
	sql, args, err := r.sumByKeyQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var sums []keySum
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &sums, sql, args...); err != nil {
		return nil, fmt.Errorf("sum movements: %w", err)
	}

	out := make(map[entity.LevelKey]types.Quantity, len(sums))
	for _, s := range sums {
		if filter.ExcludeZero && s.Quantity == 0 {
			continue
		}
		out[entity.LevelKey{ProductID: s.ProductID, LocalityID: s.LocalityID}] = types.NewQuantityFromInt64Scaled(s.Quantity)
	}
	return out, nil
}

func (r *StockRepo) sumByKeyQuery(filter stock.LevelFilter) squirrel.SelectBuilder {
	q := r.builder.Select(
		"product_id", "locality_id",
		"SUM(CASE WHEN direction = 'IN' THEN quantity ELSE -quantity END) AS quantity",
	).From(stockMovementsTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocalityID != nil {
		q = q.Where(squirrel.Eq{"locality_id": *filter.LocalityID})
	}
	return q.GroupBy("product_id", "locality_id")
}

// --- Projection ---

// GetLevel returns the level for key; a key that never moved reads as zero.
func (r *StockRepo) GetLevel(ctx context.Context, key entity.LevelKey) (entity.StockLevel, error) {
	level := entity.StockLevel{ProductID: key.ProductID, LocalityID: key.LocalityID}

	sql, args, err := r.builder.Select(levelColumns...).
		From(stockLevelsTable).
		Where(squirrel.Eq{"product_id": key.ProductID}).
		Where(squirrel.Eq{"locality_id": key.LocalityID}).
		ToSql()
	if err != nil {
		return level, fmt.Errorf("build query: %w", err)
	}

	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &level, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.StockLevel{ProductID: key.ProductID, LocalityID: key.LocalityID}, nil
		}
		return level, fmt.Errorf("get level: %w", err)
	}
	return level, nil
}

// LockLevels takes row locks on keys in canonical order, creating empty
// rows for keys that never moved so they can be locked too.
func (r *StockRepo) LockLevels(ctx context.Context, keys []entity.LevelKey) (map[entity.LevelKey]entity.StockLevel, error) {
	out := make(map[entity.LevelKey]entity.StockLevel, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	t := r.txm.GetTx(ctx)
	if t == nil {
		return nil, fmt.Errorf("LockLevels requires transaction context")
	}

	products, localities := keyArrays(keys)
	if _, err := t.Exec(ctx, ensureLevelsSQL, products, localities); err != nil {
		return nil, fmt.Errorf("ensure levels: %w", err)
	}

	var levels []entity.StockLevel
	if err := pgxscan.Select(ctx, t, &levels, lockLevelsSQL, products, localities); err != nil {
		return nil, fmt.Errorf("lock levels: %w", err)
	}

	for _, l := range levels {
		out[l.Key()] = l
	}
	return out, nil
}

// keyArrays splits keys into parallel arrays for unnest, keeping their order.
func keyArrays(keys []entity.LevelKey) (products, localities []id.ID) {
	products = make([]id.ID, len(keys))
	localities = make([]id.ID, len(keys))
	for i, k := range keys {
		products[i] = k.ProductID
		localities[i] = k.LocalityID
	}
	return products, localities
}

// Apply adds delta to the level. The row is left untouched when the result
// would go negative, so the transaction stays usable for the error report.
func (r *StockRepo) Apply(ctx context.Context, key entity.LevelKey, delta types.Quantity, movementID id.ID) (types.Quantity, error) {
	sql, args, err := r.applyQuery(key, delta, movementID, time.Now().UTC()).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var scaled int64
	err = r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&scaled)

	switch {
	case err == nil:
		return types.NewQuantityFromInt64Scaled(scaled), nil
	case postgres.IsCheckViolation(err, levelsNonNegativeCheck):
		return 0, insufficient(key, delta, 0)
	case errors.Is(err, pgx.ErrNoRows):
		current, getErr := r.GetLevel(ctx, key)
		if getErr != nil {
			return 0, getErr
		}
		return 0, insufficient(key, delta, current.Quantity)
	default:
		return 0, fmt.Errorf("apply delta: %w", err)
	}
}

func (r *StockRepo) applyQuery(key entity.LevelKey, delta types.Quantity, movementID id.ID, now time.Time) squirrel.InsertBuilder {
	return r.builder.Insert(stockLevelsTable).
		Columns("product_id", "locality_id", "quantity", "last_movement_id", "updated_at").
		Values(key.ProductID, key.LocalityID, delta.Int64Scaled(), movementID, now).
		Suffix(applySuffix)
}

func insufficient(key entity.LevelKey, delta, available types.Quantity) error {
	return apperror.NewInsufficientStock(
		key.ProductID.String(), key.LocalityID.String(),
		delta.Abs().Float64(), available.Float64(),
	)
}

// ListLevels returns projection rows in key order.
func (r *StockRepo) ListLevels(ctx context.Context, filter stock.LevelFilter) ([]entity.StockLevel, error) {
	sql, args, err := r.levelsQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	levels := make([]entity.StockLevel, 0)
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &levels, sql, args...); err != nil {
		return nil, fmt.Errorf("select levels: %w", err)
	}
	return levels, nil
}

func (r *StockRepo) levelsQuery(filter stock.LevelFilter) squirrel.SelectBuilder {
	q := r.builder.Select(levelColumns...).From(stockLevelsTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocalityID != nil {
		q = q.Where(squirrel.Eq{"locality_id": *filter.LocalityID})
	}
	if filter.ExcludeZero {
		q = q.Where(squirrel.NotEq{"quantity": int64(0)})
	}
	return q.OrderBy("product_id", "locality_id")
}

// SetLimits upserts the min/max thresholds of a level.
func (r *StockRepo) SetLimits(ctx context.Context, key entity.LevelKey, minQty, maxQty types.Quantity) (entity.StockLevel, error) {
	var level entity.StockLevel
	sql, args, err := r.setLimitsQuery(key, minQty, maxQty, time.Now().UTC()).ToSql()
	if err != nil {
		return level, fmt.Errorf("build query: %w", err)
	}
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &level, sql, args...); err != nil {
		return level, fmt.Errorf("set limits: %w", err)
	}
	return level, nil
}

func (r *StockRepo) setLimitsQuery(key entity.LevelKey, minQty, maxQty types.Quantity, now time.Time) squirrel.InsertBuilder {
	return r.builder.Insert(stockLevelsTable).
		Columns("product_id", "locality_id", "min_quantity", "max_quantity", "updated_at").
		Values(key.ProductID, key.LocalityID, minQty.Int64Scaled(), maxQty.Int64Scaled(), now).
		Suffix("ON CONFLICT (product_id, locality_id) DO UPDATE " +
			"SET min_quantity = EXCLUDED.min_quantity, max_quantity = EXCLUDED.max_quantity, updated_at = EXCLUDED.updated_at " +
			"RETURNING " + strings.Join(levelColumns, ", "))
}

// --- Batch registry ---

// CreateBatch records a committed batch header.
func (r *StockRepo) CreateBatch(ctx context.Context, header entity.BatchHeader) error {
	sql, args, err := r.builder.Insert(stockBatchesTable).
		Columns(batchColumns...).
		Values(
			header.ID, string(header.Direction), header.InvoiceNumber, header.OrderNumber, header.Notes,
			header.LineCount, header.RequestHash, header.CommittedBy, header.CommittedAt,
		).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if postgres.IsUniqueViolation(err, batchesPrimaryKey) {
			return stock.ErrBatchExists
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch returns a committed batch header.
func (r *StockRepo) GetBatch(ctx context.Context, batchID string) (entity.BatchHeader, error) {
	var header entity.BatchHeader

	sql, args, err := r.builder.Select(batchColumns...).
		From(stockBatchesTable).
		Where(squirrel.Eq{"id": batchID}).
		ToSql()
	if err != nil {
		return header, fmt.Errorf("build query: %w", err)
	}

	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &header, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return header, apperror.NewNotFound("batch", batchID)
		}
		return header, fmt.Errorf("get batch: %w", err)
	}
	return header, nil
}
