// Package memory is an in-process storage backend for the stock ledger.
//
// Writes are staged in a unit carried by ctx and published under one mutex
// on commit, so readers see either all of a batch or none of it.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/stock"
)

var (
	_ stock.Store        = (*Store)(nil)
	_ tx.ReadOnlyManager = (*Store)(nil)
)

// Store keeps ledger, projection and batch registry in memory.
type Store struct {
	mu        sync.RWMutex
	movements []entity.Movement
	byID      map[id.ID]int
	byBatch   map[string][]int
	levels    map[entity.LevelKey]entity.StockLevel
	batches   map[string]entity.BatchHeader

	failMu   sync.Mutex
	failNext error

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:    make(map[id.ID]int),
		byBatch: make(map[string][]int),
		levels:  make(map[entity.LevelKey]entity.StockLevel),
		batches: make(map[string]entity.BatchHeader),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FailNextCommit makes the next commit fail with err after fn succeeded.
// Nothing staged by that unit becomes visible.
func (s *Store) FailNextCommit(err error) {
	s.failMu.Lock()
	s.failNext = err
	s.failMu.Unlock()
}

type unitKey struct{}
type snapshotKey struct{}

// unit is the staged state of one transaction.
type unit struct {
	movements []entity.Movement
	deltas    map[entity.LevelKey]types.Quantity
	last      map[entity.LevelKey]id.ID
	limits    map[entity.LevelKey][2]types.Quantity
	batches   map[string]entity.BatchHeader
}

func newUnit() *unit {
	return &unit{
		deltas:  make(map[entity.LevelKey]types.Quantity),
		last:    make(map[entity.LevelKey]id.ID),
		limits:  make(map[entity.LevelKey][2]types.Quantity),
		batches: make(map[string]entity.BatchHeader),
	}
}

func unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// RunInTransaction stages fn's writes and publishes them atomically.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if unitFrom(ctx) != nil {
		return fn(ctx)
	}
	u := newUnit()
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		return err
	}
	return s.commit(u)
}

// ReadOnly runs fn while holding the read lock, so all reads in fn see one snapshot.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(snapshotKey{}) != nil {
		return fn(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(context.WithValue(ctx, snapshotKey{}, true))
}

// rlock takes the read lock unless ctx already holds a snapshot.
func (s *Store) rlock(ctx context.Context) func() {
	if ctx.Value(snapshotKey{}) != nil {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) commit(u *unit) error {
	s.failMu.Lock()
	failErr := s.failNext
	s.failNext = nil
	s.failMu.Unlock()
	if failErr != nil {
		return fmt.Errorf("commit: %w", failErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for batchID := range u.batches {
		if _, ok := s.batches[batchID]; ok {
			return stock.ErrBatchExists
		}
	}
	for key, delta := range u.deltas {
		if next := s.levels[key].Quantity + delta; next.IsNegative() {
			return apperror.NewInsufficientStock(key.ProductID.String(), key.LocalityID.String(),
				delta.Abs().Float64(), s.levels[key].Quantity.Float64())
		}
	}

	now := s.now()
	for batchID, h := range u.batches {
		s.batches[batchID] = h
	}
	for _, m := range u.movements {
		s.byID[m.ID] = len(s.movements)
		s.byBatch[m.BatchID] = append(s.byBatch[m.BatchID], len(s.movements))
		s.movements = append(s.movements, m)
	}
	for key, delta := range u.deltas {
		level := s.levelLocked(key)
		level.Quantity += delta
		if last, ok := u.last[key]; ok {
			level.LastMovementID = &last
		}
		level.UpdatedAt = now
		s.levels[key] = level
	}
	for key, lim := range u.limits {
		level := s.levelLocked(key)
		level.MinQuantity, level.MaxQuantity = lim[0], lim[1]
		level.UpdatedAt = now
		s.levels[key] = level
	}
	return nil
}

func (s *Store) levelLocked(key entity.LevelKey) entity.StockLevel {
	if level, ok := s.levels[key]; ok {
		return level
	}
	return entity.StockLevel{ProductID: key.ProductID, LocalityID: key.LocalityID}
}

// --- Ledger ---

func (s *Store) AppendMovements(ctx context.Context, movements []entity.Movement) error {
	u := unitFrom(ctx)
	if u == nil {
		return errors.New("append movements outside transaction")
	}
	for _, m := range movements {
		if err := validateMovement(&m); err != nil {
			return err
		}
	}
	u.movements = append(u.movements, movements...)
	return nil
}

func validateMovement(m *entity.Movement) error {
	switch {
	case !m.Quantity.IsPositive():
		return apperror.NewInvalidLine(m.LineNo, "quantity must be positive")
	case !m.Direction.Valid():
		return apperror.NewInvalidLine(m.LineNo, "unknown direction")
	case id.IsNil(m.ProductID), id.IsNil(m.UnitID), id.IsNil(m.LocalityID):
		return apperror.NewInvalidLine(m.LineNo, "unresolved reference")
	}
	return nil
}

func (s *Store) GetMovementsByBatch(ctx context.Context, batchID string) ([]entity.Movement, error) {
	defer s.rlock(ctx)()

	idx := s.byBatch[batchID]
	out := make([]entity.Movement, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.movements[i])
	}
	slices.SortFunc(out, func(a, b entity.Movement) int { return a.LineNo - b.LineNo })
	return out, nil
}

func (s *Store) GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error) {
	defer s.rlock(ctx)()

	i, ok := s.byID[movementID]
	if !ok {
		return entity.Movement{}, apperror.NewNotFound("movement", movementID.String())
	}
	return s.movements[i], nil
}

func (s *Store) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]entity.Movement, int, error) {
	defer s.rlock(ctx)()

	var matched []entity.Movement
	for i := len(s.movements) - 1; i >= 0; i-- {
		if m := s.movements[i]; matchMovement(&m, &filter) {
			matched = append(matched, m)
		}
	}

	total := len(matched)
	if filter.Offset < 0 || filter.Offset >= total {
		return []entity.Movement{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func matchMovement(m *entity.Movement, f *stock.MovementFilter) bool {
	switch {
	case f.ProductID != nil && m.ProductID != *f.ProductID:
		return false
	case f.LocalityID != nil && m.LocalityID != *f.LocalityID:
		return false
	case f.Direction != nil && m.Direction != *f.Direction:
		return false
	case f.BatchID != "" && m.BatchID != f.BatchID:
		return false
	case f.FromDate != nil && m.CreatedAt.Before(*f.FromDate):
		return false
	case f.ToDate != nil && m.CreatedAt.After(*f.ToDate):
		return false
	}
	return true
}

func (s *Store) SumByKey(ctx context.Context, filter stock.LevelFilter) (map[entity.LevelKey]types.Quantity, error) {
	defer s.rlock(ctx)()

	sums := make(map[entity.LevelKey]types.Quantity)
	for i := range s.movements {
		m := &s.movements[i]
		if !matchKey(m.Key(), &filter) {
			continue
		}
		sums[m.Key()] += m.SignedQuantity()
	}
	return sums, nil
}

func matchKey(key entity.LevelKey, f *stock.LevelFilter) bool {
	if f.ProductID != nil && key.ProductID != *f.ProductID {
		return false
	}
	if f.LocalityID != nil && key.LocalityID != *f.LocalityID {
		return false
	}
	return true
}

// --- Projection ---

func (s *Store) GetLevel(ctx context.Context, key entity.LevelKey) (entity.StockLevel, error) {
	unlock := s.rlock(ctx)
	level := s.levelLocked(key)
	unlock()

	if u := unitFrom(ctx); u != nil {
		level.Quantity += u.deltas[key]
		if last, ok := u.last[key]; ok {
			level.LastMovementID = &last
		}
		if lim, ok := u.limits[key]; ok {
			level.MinQuantity, level.MaxQuantity = lim[0], lim[1]
		}
	}
	return level, nil
}

// LockLevels reads levels. Exclusion between writers comes from the guard;
// commit re-checks the non-negative rule under the store mutex.
func (s *Store) LockLevels(ctx context.Context, keys []entity.LevelKey) (map[entity.LevelKey]entity.StockLevel, error) {
	out := make(map[entity.LevelKey]entity.StockLevel, len(keys))
	for _, key := range keys {
		level, err := s.GetLevel(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = level
	}
	return out, nil
}

func (s *Store) Apply(ctx context.Context, key entity.LevelKey, delta types.Quantity, movementID id.ID) (types.Quantity, error) {
	u := unitFrom(ctx)
	if u == nil {
		return 0, errors.New("apply outside transaction")
	}
	level, err := s.GetLevel(ctx, key)
	if err != nil {
		return 0, err
	}
	next := level.Quantity + delta
	if delta.IsPositive() && next < level.Quantity {
		return 0, fmt.Errorf("apply %s: quantity out of range", key)
	}
	if next.IsNegative() {
		return 0, apperror.NewInsufficientStock(key.ProductID.String(), key.LocalityID.String(),
			delta.Abs().Float64(), level.Quantity.Float64())
	}
	u.deltas[key] += delta
	u.last[key] = movementID
	return next, nil
}

func (s *Store) ListLevels(ctx context.Context, filter stock.LevelFilter) ([]entity.StockLevel, error) {
	defer s.rlock(ctx)()

	out := make([]entity.StockLevel, 0, len(s.levels))
	for key, level := range s.levels {
		if !matchKey(key, &filter) {
			continue
		}
		if filter.ExcludeZero && level.Quantity.IsZero() {
			continue
		}
		out = append(out, level)
	}
	slices.SortFunc(out, func(a, b entity.StockLevel) int { return a.Key().Compare(b.Key()) })
	return out, nil
}

func (s *Store) SetLimits(ctx context.Context, key entity.LevelKey, minQty, maxQty types.Quantity) (entity.StockLevel, error) {
	if u := unitFrom(ctx); u != nil {
		u.limits[key] = [2]types.Quantity{minQty, maxQty}
		return s.GetLevel(ctx, key)
	}

	var level entity.StockLevel
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		level, err = s.SetLimits(ctx, key, minQty, maxQty)
		return err
	})
	return level, err
}

// --- Batch registry ---

func (s *Store) CreateBatch(ctx context.Context, header entity.BatchHeader) error {
	u := unitFrom(ctx)
	if u == nil {
		return errors.New("create batch outside transaction")
	}

	unlock := s.rlock(ctx)
	_, committed := s.batches[header.ID]
	unlock()

	if _, staged := u.batches[header.ID]; committed || staged {
		return stock.ErrBatchExists
	}
	u.batches[header.ID] = header
	return nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (entity.BatchHeader, error) {
	if u := unitFrom(ctx); u != nil {
		if h, ok := u.batches[batchID]; ok {
			return h, nil
		}
	}

	defer s.rlock(ctx)()
	h, ok := s.batches[batchID]
	if !ok {
		return entity.BatchHeader{}, apperror.NewNotFound("batch", batchID)
	}
	return h, nil
}
