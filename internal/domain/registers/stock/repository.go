// Package stock defines the movement ledger, the stock projection and the
// read side over both.
package stock

import (
	"context"
	"errors"
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// ErrBatchExists is returned by BatchRegistry.CreateBatch when the batch id
// was already committed.
var ErrBatchExists = errors.New("batch already committed")

// Ledger is the append-only movement store.
type Ledger interface {
	// AppendMovements durably adds rows. Only valid inside a transaction.
	AppendMovements(ctx context.Context, movements []entity.Movement) error

	// GetMovementsByBatch returns the rows of a batch ordered by line.
	GetMovementsByBatch(ctx context.Context, batchID string) ([]entity.Movement, error)

	// GetMovement returns one row or a NOT_FOUND error.
	GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error)

	// ListMovements returns a page of rows and the total matching count,
	// newest first.
	ListMovements(ctx context.Context, filter MovementFilter) ([]entity.Movement, int, error)

	// SumByKey returns Σ signed quantity per stock level.
	SumByKey(ctx context.Context, filter LevelFilter) (map[entity.LevelKey]types.Quantity, error)
}

// Projection is the materialized per-key quantity.
type Projection interface {
	// GetLevel returns the level for key. A key that never moved has quantity zero.
	GetLevel(ctx context.Context, key entity.LevelKey) (entity.StockLevel, error)

	// LockLevels reads the levels for keys and holds them until the
	// transaction ends. Keys must be in canonical order.
	LockLevels(ctx context.Context, keys []entity.LevelKey) (map[entity.LevelKey]entity.StockLevel, error)

	// Apply adds delta to key and returns the new quantity.
	// Fails with INSUFFICIENT_STOCK if the result would be negative.
	Apply(ctx context.Context, key entity.LevelKey, delta types.Quantity, movementID id.ID) (types.Quantity, error)

	// ListLevels returns committed levels.
	ListLevels(ctx context.Context, filter LevelFilter) ([]entity.StockLevel, error)

	// SetLimits stores min/max thresholds for key. Zero clears a threshold.
	SetLimits(ctx context.Context, key entity.LevelKey, minQty, maxQty types.Quantity) (entity.StockLevel, error)
}

// BatchRegistry remembers committed batch ids.
type BatchRegistry interface {
	// CreateBatch records header. Returns ErrBatchExists on a duplicate id.
	CreateBatch(ctx context.Context, header entity.BatchHeader) error

	// GetBatch returns a header or a NOT_FOUND error.
	GetBatch(ctx context.Context, batchID string) (entity.BatchHeader, error)
}

// Store is implemented by every storage backend.
type Store interface {
	Ledger
	Projection
	BatchRegistry
}

// MovementFilter for filtering movement history.
type MovementFilter struct {
	ProductID  *id.ID
	LocalityID *id.ID
	Direction  *entity.Direction
	BatchID    string
	FromDate   *time.Time
	ToDate     *time.Time
	Limit      int
	Offset     int
}

// LevelFilter for filtering projection reads.
type LevelFilter struct {
	ProductID   *id.ID
	LocalityID  *id.ID
	ExcludeZero bool
}
