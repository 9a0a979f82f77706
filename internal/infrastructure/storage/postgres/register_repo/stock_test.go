package register_repo

// squirrel.Eq resolves driver.Valuer arguments, so ids appear as strings.

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/stock"
)

func TestMovementPage_Filters(t *testing.T) {
	repo := NewStockRepo(nil)
	columns := strings.Join(movementColumns, ", ")

	product := id.New()
	locality := id.New()
	out := entity.DirectionOut
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	tests := []struct {
		name     string
		filter   stock.MovementFilter
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "NoFilter",
			filter:  stock.MovementFilter{},
			wantSQL: "SELECT " + columns + " FROM stock_movements ORDER BY seq DESC",
		},
		{
			name:     "ProductAndLocality",
			filter:   stock.MovementFilter{ProductID: &product, LocalityID: &locality, Limit: 20},
			wantSQL:  "SELECT " + columns + " FROM stock_movements WHERE product_id = $1 AND locality_id = $2 ORDER BY seq DESC LIMIT 20",
			wantArgs: []any{product.String(), locality.String()},
		},
		{
			name:     "DirectionAndDates",
			filter:   stock.MovementFilter{Direction: &out, FromDate: &from, ToDate: &to, Limit: 10, Offset: 30},
			wantSQL:  "SELECT " + columns + " FROM stock_movements WHERE direction = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY seq DESC LIMIT 10 OFFSET 30",
			wantArgs: []any{"OUT", from, to},
		},
		{
			name:     "Batch",
			filter:   stock.MovementFilter{BatchID: "b-1"},
			wantSQL:  "SELECT " + columns + " FROM stock_movements WHERE batch_id = $1 ORDER BY seq DESC",
			wantArgs: []any{"b-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := repo.movementPage(tt.filter).ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			if len(tt.wantArgs) == 0 {
				assert.Empty(t, args)
				return
			}
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestSumByKeyQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	product := id.New()

	sql, args, err := repo.sumByKeyQuery(stock.LevelFilter{ProductID: &product}).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT product_id, locality_id, SUM(CASE WHEN direction = 'IN' THEN quantity ELSE -quantity END) AS quantity "+
			"FROM stock_movements WHERE product_id = $1 GROUP BY product_id, locality_id",
		sql)
	assert.Equal(t, []any{product.String()}, args)
}

func TestLevelsQuery_ExcludeZero(t *testing.T) {
	repo := NewStockRepo(nil)
	locality := id.New()

	sql, args, err := repo.levelsQuery(stock.LevelFilter{LocalityID: &locality, ExcludeZero: true}).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT "+strings.Join(levelColumns, ", ")+" FROM stock_levels WHERE locality_id = $1 AND quantity <> $2 ORDER BY product_id, locality_id",
		sql)
	assert.Equal(t, []any{locality.String(), int64(0)}, args)
}

func TestApplyQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	key := entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}
	movementID := id.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sql, args, err := repo.applyQuery(key, types.NewQuantityFromUnits(-3), movementID, now).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO stock_levels (product_id,locality_id,quantity,last_movement_id,updated_at) VALUES ($1,$2,$3,$4,$5) "+
			"ON CONFLICT (product_id, locality_id) DO UPDATE "+
			"SET quantity = stock_levels.quantity + EXCLUDED.quantity, "+
			"last_movement_id = EXCLUDED.last_movement_id, updated_at = EXCLUDED.updated_at "+
			"WHERE stock_levels.quantity + EXCLUDED.quantity >= 0 RETURNING quantity",
		sql)
	assert.Equal(t, []any{key.ProductID, key.LocalityID, int64(-30_000), movementID, now}, args)
}

func TestSetLimitsQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	key := entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sql, args, err := repo.setLimitsQuery(key, types.NewQuantityFromUnits(2), types.NewQuantityFromUnits(10), now).ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql,
		"INSERT INTO stock_levels (product_id,locality_id,min_quantity,max_quantity,updated_at) VALUES ($1,$2,$3,$4,$5) "+
			"ON CONFLICT (product_id, locality_id) DO UPDATE"), sql)
	assert.NotContains(t, sql, "SET quantity")
	assert.True(t, strings.HasSuffix(sql, "RETURNING "+strings.Join(levelColumns, ", ")), sql)
	assert.Equal(t, []any{key.ProductID, key.LocalityID, int64(20_000), int64(100_000), now}, args)
}

func TestLockLevelsStatements(t *testing.T) {
	assert.Equal(t, 2, strings.Count(ensureLevelsSQL, "$"))
	assert.Contains(t, ensureLevelsSQL, "unnest($1::uuid[], $2::uuid[])")
	assert.True(t, strings.HasSuffix(ensureLevelsSQL, "ON CONFLICT (product_id, locality_id) DO NOTHING"))

	assert.True(t, strings.HasPrefix(lockLevelsSQL, "SELECT "+strings.Join(levelColumns, ", ")+" FROM stock_levels"))
	assert.Contains(t, lockLevelsSQL, "unnest($1::uuid[], $2::uuid[])")
	assert.True(t, strings.HasSuffix(lockLevelsSQL, "ORDER BY product_id, locality_id FOR UPDATE"))

	a := entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}
	b := entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}
	products, localities := keyArrays([]entity.LevelKey{a, b})
	assert.Equal(t, []id.ID{a.ProductID, b.ProductID}, products)
	assert.Equal(t, []id.ID{a.LocalityID, b.LocalityID}, localities)
}
