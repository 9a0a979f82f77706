// Package posting commits stock batches: every line of a batch becomes a
// ledger row and moves the projection, or nothing happens at all.
package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/lock"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/reference"
	"stockledger/internal/domain/registers/stock"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/posting")

// MaxBatchIDLength bounds caller supplied batch ids.
const MaxBatchIDLength = 128

// CommitHook runs inside the commit transaction after the batch is written.
// Returning an error rolls the whole batch back.
type CommitHook interface {
	OnBatchCommitted(ctx context.Context, batch *entity.CommittedBatch) error
}

// CommitHookFunc adapts a function to CommitHook.
type CommitHookFunc func(ctx context.Context, batch *entity.CommittedBatch) error

func (f CommitHookFunc) OnBatchCommitted(ctx context.Context, batch *entity.CommittedBatch) error {
	return f(ctx, batch)
}

// LimitsHook runs inside the SetLimits transaction.
type LimitsHook interface {
	OnLimitsChanged(ctx context.Context, level entity.StockLevel) error
}

// Engine is the transaction coordinator for stock batches.
type Engine struct {
	store    stock.Store
	txm      tx.Manager
	resolver *reference.Resolver
	guard    *lock.Guard

	hooks         []CommitHook
	limitHooks    []LimitsHook
	commitTimeout time.Duration
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommitHook appends a hook run inside every commit.
func WithCommitHook(h CommitHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// WithLimitsHook appends a hook run inside every SetLimits transaction.
func WithLimitsHook(h LimitsHook) Option {
	return func(e *Engine) { e.limitHooks = append(e.limitHooks, h) }
}

// WithCommitTimeout bounds the durable write once the guard is held.
func WithCommitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.commitTimeout = d }
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a posting engine.
func NewEngine(store stock.Store, txm tx.Manager, resolver *reference.Resolver, guard *lock.Guard, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		txm:      txm,
		resolver: resolver,
		guard:    guard,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates and commits batch atomically.
//
// A batch id that was already committed returns the stored result with
// Replayed set and applies nothing. Cancelling ctx before the guard is
// acquired abandons the batch; after that the commit runs to completion or
// rolls back regardless of ctx.
func (e *Engine) Submit(ctx context.Context, batch entity.Batch) (result entity.CommittedBatch, err error) {
	ctx, span := tracer.Start(ctx, "posting.Submit",
		trace.WithAttributes(
			attribute.String("batch.direction", string(batch.Direction)),
			attribute.Int("batch.lines", len(batch.Lines)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return entity.CommittedBatch{}, err
	}
	if err := validateBatch(&batch); err != nil {
		return entity.CommittedBatch{}, err
	}
	if batch.ID == "" {
		batch.ID = id.New().String()
	}
	span.SetAttributes(attribute.String("batch.id", batch.ID))
	hash := RequestHash(&batch)

	// Fast path: retried batch, no lock needed.
	if prior, found, err := e.lookupCommitted(ctx, batch.ID, hash); err != nil || found {
		return prior, err
	}

	resolved := make([]reference.ResolvedLine, len(batch.Lines))
	for i := range batch.Lines {
		if resolved[i], err = e.resolver.ResolveLine(ctx, i, batch.Lines[i]); err != nil {
			return entity.CommittedBatch{}, err
		}
	}

	scope, err := e.guard.Acquire(ctx, batch.Keys())
	if err != nil {
		logger.Warn(ctx, "stock guard not acquired", "batch_id", batch.ID, "error", err)
		return entity.CommittedBatch{}, err
	}
	defer scope.Release()

	commitCtx := context.WithoutCancel(ctx)
	if e.commitTimeout > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(commitCtx, e.commitTimeout)
		defer cancel()
	}

	var replayed bool
	err = e.txm.RunInTransaction(commitCtx, func(ctx context.Context) error {
		prior, found, err := e.lookupCommitted(ctx, batch.ID, hash)
		if err != nil {
			return err
		}
		if found {
			result, replayed = prior, true
			return nil
		}

		result, err = e.commit(ctx, &batch, resolved, scope.Keys(), hash)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, stock.ErrBatchExists):
		// another writer committed the same id between our check and insert
		prior, found, lookupErr := e.lookupCommitted(commitCtx, batch.ID, hash)
		if lookupErr != nil {
			return entity.CommittedBatch{}, lookupErr
		}
		if !found {
			return entity.CommittedBatch{}, apperror.NewCommitFailed(err)
		}
		return prior, nil
	case apperror.IsAppError(err):
		logger.Info(ctx, "stock batch rejected", "batch_id", batch.ID, "error", err)
		return entity.CommittedBatch{}, err
	default:
		logger.Error(ctx, "stock batch commit failed", "batch_id", batch.ID, "error", err)
		return entity.CommittedBatch{}, apperror.NewCommitFailed(err)
	}

	if replayed {
		return result, nil
	}

	logger.Info(ctx, "stock batch committed",
		"batch_id", result.ID,
		"direction", result.Direction,
		"lines", len(result.Movements),
		"keys", len(scope.Keys()),
	)
	return result, nil
}

// commit runs inside the transaction with the guard held for keys.
func (e *Engine) commit(
	ctx context.Context,
	batch *entity.Batch,
	resolved []reference.ResolvedLine,
	keys []entity.LevelKey,
	hash string,
) (entity.CommittedBatch, error) {
	levels, err := e.store.LockLevels(ctx, keys)
	if err != nil {
		return entity.CommittedBatch{}, fmt.Errorf("lock levels: %w", err)
	}
	if err := checkLines(batch, levels); err != nil {
		return entity.CommittedBatch{}, err
	}

	now := e.now()
	header := entity.BatchHeader{
		ID:            batch.ID,
		Direction:     batch.Direction,
		InvoiceNumber: batch.InvoiceNumber,
		OrderNumber:   batch.OrderNumber,
		Notes:         batch.Notes,
		LineCount:     len(batch.Lines),
		RequestHash:   hash,
		CommittedBy:   appctx.GetActor(ctx),
		CommittedAt:   now,
	}
	if err := e.store.CreateBatch(ctx, header); err != nil {
		return entity.CommittedBatch{}, fmt.Errorf("create batch: %w", err)
	}

	movements := buildMovements(batch, resolved, now)
	if err := e.store.AppendMovements(ctx, movements); err != nil {
		return entity.CommittedBatch{}, fmt.Errorf("append movements: %w", err)
	}

	for i := range movements {
		m := &movements[i]
		if _, err := e.store.Apply(ctx, m.Key(), m.SignedQuantity(), m.ID); err != nil {
			if apperror.IsAppError(err) {
				return entity.CommittedBatch{}, err
			}
			return entity.CommittedBatch{}, fmt.Errorf("apply line %d: %w", i, err)
		}
	}

	committed := entity.CommittedBatch{BatchHeader: header, Movements: movements}
	for _, h := range e.hooks {
		if err := h.OnBatchCommitted(ctx, &committed); err != nil {
			return entity.CommittedBatch{}, fmt.Errorf("commit hook: %w", err)
		}
	}
	return committed, nil
}

// lookupCommitted returns the stored result for batchID if it exists.
func (e *Engine) lookupCommitted(ctx context.Context, batchID, hash string) (entity.CommittedBatch, bool, error) {
	header, err := e.store.GetBatch(ctx, batchID)
	if apperror.IsNotFound(err) {
		return entity.CommittedBatch{}, false, nil
	}
	if err != nil {
		return entity.CommittedBatch{}, false, fmt.Errorf("get batch: %w", err)
	}
	if header.RequestHash != hash {
		return entity.CommittedBatch{}, false, apperror.NewIdempotencyMismatch(batchID)
	}

	movements, err := e.store.GetMovementsByBatch(ctx, batchID)
	if err != nil {
		return entity.CommittedBatch{}, false, fmt.Errorf("get batch movements: %w", err)
	}

	logger.Info(ctx, "stock batch replayed", "batch_id", batchID)
	return entity.CommittedBatch{BatchHeader: header, Movements: movements, Replayed: true}, true, nil
}

// checkLines validates every line against the locked levels using running
// per-key totals, so two lines on one key are checked cumulatively.
func checkLines(batch *entity.Batch, levels map[entity.LevelKey]entity.StockLevel) error {
	running := make(map[entity.LevelKey]types.Quantity, len(levels))
	requested := make(map[entity.LevelKey]types.Quantity, len(levels))
	for k, l := range levels {
		running[k] = l.Quantity
	}

	for i := range batch.Lines {
		line := &batch.Lines[i]
		key := line.Key()
		level := levels[key]
		next := running[key] + batch.Direction.Sign(line.Quantity)
		requested[key] += line.Quantity

		if batch.Direction == entity.DirectionIn && next < running[key] {
			return apperror.NewInvalidLine(i, "resulting quantity out of range").
				WithDetail("quantity", line.Quantity.String()).
				WithDetail("current", running[key].String())
		}
		if next.IsNegative() {
			return apperror.NewInsufficientStock(
				key.ProductID.String(), key.LocalityID.String(),
				requested[key].Float64(), level.Quantity.Float64(),
			).WithDetail("line", i)
		}
		if batch.Direction == entity.DirectionIn && level.MaxQuantity.IsPositive() && next > level.MaxQuantity {
			return apperror.NewStockLimitExceeded(
				key.ProductID.String(), key.LocalityID.String(), "max",
				next.Float64(), level.MaxQuantity.Float64(),
			).WithDetail("line", i)
		}
		if batch.Direction == entity.DirectionOut && level.MinQuantity.IsPositive() && next < level.MinQuantity {
			return apperror.NewStockLimitExceeded(
				key.ProductID.String(), key.LocalityID.String(), "min",
				next.Float64(), level.MinQuantity.Float64(),
			).WithDetail("line", i)
		}
		running[key] = next
	}
	return nil
}

func buildMovements(batch *entity.Batch, resolved []reference.ResolvedLine, now time.Time) []entity.Movement {
	movements := make([]entity.Movement, len(batch.Lines))
	for i := range batch.Lines {
		line := &batch.Lines[i]
		ref := &resolved[i]

		notes := line.Notes
		if notes == "" {
			notes = batch.Notes
		}

		m := entity.Movement{
			ID:            id.New(),
			BatchID:       batch.ID,
			LineNo:        i,
			Direction:     batch.Direction,
			ProductID:     line.ProductID,
			UnitID:        line.UnitID,
			LocalityID:    line.LocalityID,
			ShelfID:       line.ShelfID,
			Quantity:      line.Quantity,
			InvoiceNumber: batch.InvoiceNumber,
			OrderNumber:   batch.OrderNumber,
			Notes:         notes,
			ProductName:   ref.Product.Name,
			BrandName:     ref.Product.Brand,
			UnitName:      ref.Unit.Name,
			LocalityName:  ref.Locality.Name,
			CreatedAt:     now,
		}
		if ref.Shelf != nil {
			m.ShelfName = ref.Shelf.Name
		}
		movements[i] = m
	}
	return movements
}
