package posting

import (
	"context"
	"fmt"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// LimitsRequest sets thresholds on one stock level. Zero clears a threshold.
type LimitsRequest struct {
	Key         entity.LevelKey
	MinQuantity types.Quantity
	MaxQuantity types.Quantity
}

// SetLimits stores min/max thresholds under the same guard as batches, so a
// commit never sees a half-updated pair.
func (e *Engine) SetLimits(ctx context.Context, req LimitsRequest) (entity.StockLevel, error) {
	if req.MinQuantity.IsNegative() || req.MaxQuantity.IsNegative() {
		return entity.StockLevel{}, apperror.NewValidation("limits must not be negative")
	}
	if req.MaxQuantity.IsPositive() && req.MinQuantity > req.MaxQuantity {
		return entity.StockLevel{}, apperror.NewValidation("minQuantity must not exceed maxQuantity")
	}

	line := entity.BatchLine{ProductID: req.Key.ProductID, LocalityID: req.Key.LocalityID}
	if _, err := e.resolver.ResolveKey(ctx, line); err != nil {
		return entity.StockLevel{}, err
	}

	scope, err := e.guard.Acquire(ctx, []entity.LevelKey{req.Key})
	if err != nil {
		return entity.StockLevel{}, err
	}
	defer scope.Release()

	var level entity.StockLevel
	err = e.txm.RunInTransaction(context.WithoutCancel(ctx), func(ctx context.Context) error {
		var err error
		level, err = e.store.SetLimits(ctx, req.Key, req.MinQuantity, req.MaxQuantity)
		if err != nil {
			return err
		}
		for _, h := range e.limitHooks {
			if err := h.OnLimitsChanged(ctx, level); err != nil {
				return fmt.Errorf("limits hook: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if apperror.IsAppError(err) {
			return entity.StockLevel{}, err
		}
		return entity.StockLevel{}, apperror.NewCommitFailed(fmt.Errorf("set limits: %w", err))
	}

	logger.Info(ctx, "stock limits updated",
		"product_id", req.Key.ProductID,
		"locality_id", req.Key.LocalityID,
		"min", req.MinQuantity.String(),
		"max", req.MaxQuantity.String(),
	)
	return level, nil
}
