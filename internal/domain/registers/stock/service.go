package stock

import (
	"context"
	"fmt"
	"math"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Service is the read side. It never observes a batch mid-commit because
// ledger rows and projection updates become visible in the same commit.
type Service struct {
	store Store
	txm   tx.ReadOnlyManager
}

// NewService creates a query service.
func NewService(store Store, txm tx.ReadOnlyManager) *Service {
	return &Service{store: store, txm: txm}
}

// MovementPage is one page of history.
type MovementPage struct {
	Items    []entity.Movement `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// ListMovements returns history page (1-based).
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter, page, pageSize int) (MovementPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		return MovementPage{}, apperror.NewValidation(fmt.Sprintf("pageSize must not exceed %d", MaxPageSize))
	}
	if page-1 > (math.MaxInt-pageSize)/pageSize {
		return MovementPage{}, apperror.NewValidation("page out of range").WithDetail("page", page)
	}
	if filter.FromDate != nil && filter.ToDate != nil && filter.FromDate.After(*filter.ToDate) {
		return MovementPage{}, apperror.NewValidation("fromDate must not be after toDate")
	}
	if filter.Direction != nil && !filter.Direction.Valid() {
		return MovementPage{}, apperror.NewValidation("direction must be IN or OUT")
	}

	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	items, total, err := s.store.ListMovements(ctx, filter)
	if err != nil {
		return MovementPage{}, fmt.Errorf("list movements: %w", err)
	}
	if items == nil {
		items = []entity.Movement{}
	}

	return MovementPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetStockTotals returns current levels, optionally for one product.
func (s *Service) GetStockTotals(ctx context.Context, productID *id.ID) ([]entity.StockLevel, error) {
	levels, err := s.store.ListLevels(ctx, LevelFilter{ProductID: productID})
	if err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	if levels == nil {
		levels = []entity.StockLevel{}
	}
	return levels, nil
}

// ProductTotal is the on-hand quantity of a product across localities.
type ProductTotal struct {
	ProductID  id.ID          `json:"productId"`
	Quantity   types.Quantity `json:"quantity"`
	Localities int            `json:"localities"`
}

// GetProductTotal sums a product's levels over all localities holding stock.
func (s *Service) GetProductTotal(ctx context.Context, productID id.ID) (ProductTotal, error) {
	levels, err := s.store.ListLevels(ctx, LevelFilter{ProductID: &productID, ExcludeZero: true})
	if err != nil {
		return ProductTotal{}, fmt.Errorf("list levels: %w", err)
	}

	total := ProductTotal{ProductID: productID}
	for _, l := range levels {
		total.Quantity += l.Quantity
		total.Localities++
	}
	return total, nil
}

// GetBatch returns a committed batch with its movements.
func (s *Service) GetBatch(ctx context.Context, batchID string) (entity.CommittedBatch, error) {
	header, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return entity.CommittedBatch{}, err
	}
	movements, err := s.store.GetMovementsByBatch(ctx, batchID)
	if err != nil {
		return entity.CommittedBatch{}, fmt.Errorf("get batch movements: %w", err)
	}
	return entity.CommittedBatch{BatchHeader: header, Movements: movements}, nil
}

// GetMovement returns one ledger row.
func (s *Service) GetMovement(ctx context.Context, movementID id.ID) (entity.Movement, error) {
	return s.store.GetMovement(ctx, movementID)
}

// Mismatch is a key whose projection disagrees with its ledger.
type Mismatch struct {
	ProductID  id.ID          `json:"productId"`
	LocalityID id.ID          `json:"localityId"`
	Projected  types.Quantity `json:"projected"`
	Ledger     types.Quantity `json:"ledger"`
}

// ConsistencyReport compares the projection against the ledger.
type ConsistencyReport struct {
	Checked    int        `json:"checked"`
	Consistent bool       `json:"consistent"`
	Mismatches []Mismatch `json:"mismatches"`
}

// VerifyConsistency checks that every level equals the sum of its ledger rows.
// Both sides are read from one snapshot.
func (s *Service) VerifyConsistency(ctx context.Context, productID *id.ID) (ConsistencyReport, error) {
	var (
		levels []entity.StockLevel
		sums   map[entity.LevelKey]types.Quantity
	)
	filter := LevelFilter{ProductID: productID}

	err := s.txm.ReadOnly(ctx, func(ctx context.Context) error {
		var err error
		if levels, err = s.store.ListLevels(ctx, filter); err != nil {
			return fmt.Errorf("list levels: %w", err)
		}
		if sums, err = s.store.SumByKey(ctx, filter); err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return ConsistencyReport{}, err
	}

	report := ConsistencyReport{Mismatches: []Mismatch{}}
	seen := make(map[entity.LevelKey]struct{}, len(levels))
	for _, l := range levels {
		key := l.Key()
		seen[key] = struct{}{}
		report.Checked++
		if sums[key] != l.Quantity {
			report.Mismatches = append(report.Mismatches, Mismatch{
				ProductID: key.ProductID, LocalityID: key.LocalityID,
				Projected: l.Quantity, Ledger: sums[key],
			})
		}
	}
	// ledger rows without a projection row
	for key, sum := range sums {
		if _, ok := seen[key]; ok {
			continue
		}
		report.Checked++
		report.Mismatches = append(report.Mismatches, Mismatch{
			ProductID: key.ProductID, LocalityID: key.LocalityID, Ledger: sum,
		})
	}

	report.Consistent = len(report.Mismatches) == 0
	if !report.Consistent {
		logger.Warn(ctx, "stock projection drift detected", "mismatches", len(report.Mismatches))
	}
	return report, nil
}
