package stock_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/storage/memory"
)

type seeded struct {
	store      *memory.Store
	svc        *stock.Service
	product    id.ID
	localities []id.ID
}

// seed commits movements directly through the store, bypassing the engine.
func seed(t *testing.T) *seeded {
	t.Helper()
	s := &seeded{
		store:      memory.NewStore(),
		product:    id.New(),
		localities: []id.ID{id.New(), id.New()},
	}
	s.svc = stock.NewService(s.store, s.store)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		dir := entity.DirectionIn
		if i%3 == 2 {
			dir = entity.DirectionOut
		}
		s.commit(t, entity.Movement{
			ID:         id.New(),
			BatchID:    "seed-" + string(rune('a'+i)),
			Direction:  dir,
			ProductID:  s.product,
			UnitID:     id.New(),
			LocalityID: s.localities[i%2],
			Quantity:   types.NewQuantityFromUnits(1),
			CreatedAt:  base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
	return s
}

func (s *seeded) commit(t *testing.T, m entity.Movement) {
	t.Helper()
	err := s.store.RunInTransaction(context.Background(), func(ctx context.Context) error {
		if err := s.store.CreateBatch(ctx, entity.BatchHeader{ID: m.BatchID, Direction: m.Direction, LineCount: 1}); err != nil {
			return err
		}
		if err := s.store.AppendMovements(ctx, []entity.Movement{m}); err != nil {
			return err
		}
		_, err := s.store.Apply(ctx, m.Key(), m.SignedQuantity(), m.ID)
		return err
	})
	require.NoError(t, err)
}

func TestService_ListMovementsPagination(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	page, err := s.svc.ListMovements(ctx, stock.MovementFilter{}, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 5)
	// newest first: page 2 starts at the 6th newest row
	assert.Equal(t, time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC), page.Items[0].CreatedAt)

	last, err := s.svc.ListMovements(ctx, stock.MovementFilter{}, 3, 5)
	require.NoError(t, err)
	assert.Len(t, last.Items, 2)

	beyond, err := s.svc.ListMovements(ctx, stock.MovementFilter{}, 9, 5)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.NotNil(t, beyond.Items)
}

func TestService_ListMovementsPageOutOfRange(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	_, err := s.svc.ListMovements(ctx, stock.MovementFilter{}, math.MaxInt64/250, 500)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = s.svc.ListMovements(ctx, stock.MovementFilter{}, math.MaxInt, 2)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	far, err := s.svc.ListMovements(ctx, stock.MovementFilter{}, math.MaxInt/stock.MaxPageSize, stock.MaxPageSize)
	require.NoError(t, err)
	assert.Empty(t, far.Items)
	assert.Equal(t, 12, far.Total)
}

func TestService_ListMovementsFilters(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	out := entity.DirectionOut
	page, err := s.svc.ListMovements(ctx, stock.MovementFilter{Direction: &out}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, stock.DefaultPageSize, page.PageSize)

	from := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	page, err = s.svc.ListMovements(ctx, stock.MovementFilter{
		LocalityID: &s.localities[0], FromDate: &from, ToDate: &to,
	}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	_, err = s.svc.ListMovements(ctx, stock.MovementFilter{FromDate: &to, ToDate: &from}, 1, 10)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = s.svc.ListMovements(ctx, stock.MovementFilter{}, 1, stock.MaxPageSize+1)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestService_Totals(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	levels, err := s.svc.GetStockTotals(ctx, &s.product)
	require.NoError(t, err)
	require.Len(t, levels, 2)

	total, err := s.svc.GetProductTotal(ctx, s.product)
	require.NoError(t, err)
	// 8 IN and 4 OUT of one unit each
	assert.Equal(t, types.NewQuantityFromUnits(4), total.Quantity)
	assert.Equal(t, 2, total.Localities)

	none, err := s.svc.GetStockTotals(ctx, ptr(id.New()))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_GetBatchAndMovement(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	batch, err := s.svc.GetBatch(ctx, "seed-a")
	require.NoError(t, err)
	require.Len(t, batch.Movements, 1)

	m, err := s.svc.GetMovement(ctx, batch.Movements[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "seed-a", m.BatchID)

	_, err = s.svc.GetBatch(ctx, "missing")
	assert.True(t, apperror.IsNotFound(err))
	_, err = s.svc.GetMovement(ctx, id.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestService_VerifyConsistency(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	report, err := s.svc.VerifyConsistency(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.Checked)

	// limits-only rows have no ledger rows and stay consistent
	_, err = s.store.SetLimits(ctx, entity.LevelKey{ProductID: id.New(), LocalityID: id.New()}, 0, types.NewQuantityFromUnits(5))
	require.NoError(t, err)

	report, err = s.svc.VerifyConsistency(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 3, report.Checked)
}

func ptr[T any](v T) *T { return &v }
