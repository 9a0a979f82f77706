package dto

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/registers/stock"
)

// --- Request DTOs ---

// SubmitBatchRequest is the body of POST /batches.
type SubmitBatchRequest struct {
	BatchID   string `json:"batchId,omitempty"`
	Direction string `json:"direction"`
	// Type is accepted as an alias of Direction.
	Type          string             `json:"type,omitempty"`
	InvoiceNumber string             `json:"invoiceNumber,omitempty"`
	OrderNumber   string             `json:"orderNumber,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Lines         []BatchLineRequest `json:"lines"`
}

// BatchLineRequest is one movement line. Quantity accepts a JSON number or string.
type BatchLineRequest struct {
	ProductID  string          `json:"productId"`
	UnitID     string          `json:"unitId"`
	LocalityID string          `json:"localityId"`
	ShelfID    *string         `json:"shelfId,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Notes      string          `json:"notes,omitempty"`
}

// ToEntity converts request to domain batch. Malformed lines fail with INVALID_LINE.
func (r *SubmitBatchRequest) ToEntity() (entity.Batch, error) {
	direction := r.Direction
	if direction == "" {
		direction = r.Type
	}

	batch := entity.Batch{
		ID:            strings.TrimSpace(r.BatchID),
		Direction:     entity.Direction(strings.ToUpper(strings.TrimSpace(direction))),
		InvoiceNumber: r.InvoiceNumber,
		OrderNumber:   r.OrderNumber,
		Notes:         r.Notes,
		Lines:         make([]entity.BatchLine, 0, len(r.Lines)),
	}

	for i, l := range r.Lines {
		line, err := l.toEntity(i)
		if err != nil {
			return entity.Batch{}, err
		}
		batch.Lines = append(batch.Lines, line)
	}
	return batch, nil
}

func (l *BatchLineRequest) toEntity(lineNo int) (entity.BatchLine, error) {
	var line entity.BatchLine
	var err error

	if line.ProductID, err = parseLineID(lineNo, "productId", l.ProductID); err != nil {
		return line, err
	}
	if line.UnitID, err = parseLineID(lineNo, "unitId", l.UnitID); err != nil {
		return line, err
	}
	if line.LocalityID, err = parseLineID(lineNo, "localityId", l.LocalityID); err != nil {
		return line, err
	}
	if l.ShelfID != nil && strings.TrimSpace(*l.ShelfID) != "" {
		shelf, err := parseLineID(lineNo, "shelfId", *l.ShelfID)
		if err != nil {
			return line, err
		}
		line.ShelfID = &shelf
	}

	if line.Quantity, err = types.QuantityFromDecimal(l.Quantity); err != nil {
		return line, apperror.NewInvalidLine(lineNo, err.Error())
	}
	line.Notes = l.Notes
	return line, nil
}

func parseLineID(lineNo int, field, raw string) (id.ID, error) {
	if strings.TrimSpace(raw) == "" {
		return id.Nil(), apperror.NewInvalidLine(lineNo, field+" is required")
	}
	v, err := id.Parse(raw)
	if err != nil {
		return id.Nil(), apperror.NewInvalidLine(lineNo, "invalid "+field)
	}
	return v, nil
}

// SetLimitsRequest is the body of PUT /limits.
type SetLimitsRequest struct {
	ProductID   string          `json:"productId" binding:"required"`
	LocalityID  string          `json:"localityId" binding:"required"`
	MinQuantity decimal.Decimal `json:"minQuantity"`
	MaxQuantity decimal.Decimal `json:"maxQuantity"`
}

// ToEntity converts request to a posting.LimitsRequest.
func (r *SetLimitsRequest) ToEntity() (posting.LimitsRequest, error) {
	var req posting.LimitsRequest
	var err error

	if req.Key.ProductID, err = id.Parse(r.ProductID); err != nil {
		return req, apperror.NewValidation("invalid productId format")
	}
	if req.Key.LocalityID, err = id.Parse(r.LocalityID); err != nil {
		return req, apperror.NewValidation("invalid localityId format")
	}
	if req.MinQuantity, err = types.QuantityFromDecimal(r.MinQuantity); err != nil {
		return req, apperror.NewValidation("invalid minQuantity").WithDetail("error", err.Error())
	}
	if req.MaxQuantity, err = types.QuantityFromDecimal(r.MaxQuantity); err != nil {
		return req, apperror.NewValidation("invalid maxQuantity").WithDetail("error", err.Error())
	}
	return req, nil
}

// --- Response DTOs ---

// MovementResponse represents one ledger row.
type MovementResponse struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batchId"`
	LineNo        int            `json:"lineNo"`
	Direction     string         `json:"direction"`
	ProductID     string         `json:"productId"`
	ProductName   string         `json:"productName,omitempty"`
	BrandName     string         `json:"brandName,omitempty"`
	UnitID        string         `json:"unitId"`
	UnitName      string         `json:"unitName,omitempty"`
	LocalityID    string         `json:"localityId"`
	LocalityName  string         `json:"localityName,omitempty"`
	ShelfID       *string        `json:"shelfId,omitempty"`
	ShelfName     string         `json:"shelfName,omitempty"`
	Quantity      types.Quantity `json:"quantity"`
	InvoiceNumber string         `json:"invoiceNumber,omitempty"`
	OrderNumber   string         `json:"orderNumber,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// FromMovement converts entity to response DTO.
func FromMovement(m entity.Movement) MovementResponse {
	return MovementResponse{
		ID:            m.ID.String(),
		BatchID:       m.BatchID,
		LineNo:        m.LineNo,
		Direction:     string(m.Direction),
		ProductID:     m.ProductID.String(),
		ProductName:   m.ProductName,
		BrandName:     m.BrandName,
		UnitID:        m.UnitID.String(),
		UnitName:      m.UnitName,
		LocalityID:    m.LocalityID.String(),
		LocalityName:  m.LocalityName,
		ShelfID:       idString(m.ShelfID),
		ShelfName:     m.ShelfName,
		Quantity:      m.Quantity,
		InvoiceNumber: m.InvoiceNumber,
		OrderNumber:   m.OrderNumber,
		Notes:         m.Notes,
		CreatedAt:     m.CreatedAt,
	}
}

// FromMovements converts a slice of movements.
func FromMovements(items []entity.Movement) []MovementResponse {
	out := make([]MovementResponse, len(items))
	for i, m := range items {
		out[i] = FromMovement(m)
	}
	return out
}

// BatchResponse represents a committed (or replayed) batch.
type BatchResponse struct {
	BatchID       string             `json:"batchId"`
	Direction     string             `json:"direction"`
	InvoiceNumber string             `json:"invoiceNumber,omitempty"`
	OrderNumber   string             `json:"orderNumber,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	CommittedBy   string             `json:"committedBy,omitempty"`
	CommittedAt   time.Time          `json:"committedAt"`
	Replayed      bool               `json:"replayed"`
	Outcome       string             `json:"outcome,omitempty"`
	Movements     []MovementResponse `json:"movements"`
}

// FromCommittedBatch converts entity to response DTO.
func FromCommittedBatch(b entity.CommittedBatch) BatchResponse {
	resp := BatchResponse{
		BatchID:       b.ID,
		Direction:     string(b.Direction),
		InvoiceNumber: b.InvoiceNumber,
		OrderNumber:   b.OrderNumber,
		Notes:         b.Notes,
		CommittedBy:   b.CommittedBy,
		CommittedAt:   b.CommittedAt,
		Replayed:      b.Replayed,
		Movements:     FromMovements(b.Movements),
	}
	if b.Replayed {
		resp.Outcome = apperror.CodeDuplicateBatch
	}
	return resp
}

// StockLevelResponse represents stock level in API responses.
type StockLevelResponse struct {
	ProductID      string         `json:"productId"`
	LocalityID     string         `json:"localityId"`
	Quantity       types.Quantity `json:"quantity"`
	MinQuantity    types.Quantity `json:"minQuantity"`
	MaxQuantity    types.Quantity `json:"maxQuantity"`
	LastMovementID *string        `json:"lastMovementId,omitempty"`
	UpdatedAt      *time.Time     `json:"updatedAt,omitempty"`
}

// FromStockLevel converts entity to response DTO.
func FromStockLevel(l entity.StockLevel) StockLevelResponse {
	// zero time (never moved) renders as an absent field, not "0001-01-01"
	var updated *time.Time
	if !l.UpdatedAt.IsZero() {
		val := l.UpdatedAt
		updated = &val
	}

	return StockLevelResponse{
		ProductID:      l.ProductID.String(),
		LocalityID:     l.LocalityID.String(),
		Quantity:       l.Quantity,
		MinQuantity:    l.MinQuantity,
		MaxQuantity:    l.MaxQuantity,
		LastMovementID: idString(l.LastMovementID),
		UpdatedAt:      updated,
	}
}

// FromStockLevels converts a slice of levels.
func FromStockLevels(items []entity.StockLevel) []StockLevelResponse {
	out := make([]StockLevelResponse, len(items))
	for i, l := range items {
		out[i] = FromStockLevel(l)
	}
	return out
}

// ProductTotalResponse is the quantity of one product across localities.
type ProductTotalResponse struct {
	ProductID  string         `json:"productId"`
	Quantity   types.Quantity `json:"quantity"`
	Localities int            `json:"localities"`
}

func FromProductTotal(t stock.ProductTotal) ProductTotalResponse {
	return ProductTotalResponse{
		ProductID:  t.ProductID.String(),
		Quantity:   t.Quantity,
		Localities: t.Localities,
	}
}

// MovementFilterRequest holds GET /movements query parameters.
type MovementFilterRequest struct {
	PaginationRequest
	ProductID  string `form:"productId"`
	LocalityID string `form:"localityId"`
	Direction  string `form:"direction"`
	BatchID    string `form:"batchId"`
	FromDate   string `form:"fromDate"`
	ToDate     string `form:"toDate"`
}

// ToFilter converts query parameters to a stock.MovementFilter.
func (r *MovementFilterRequest) ToFilter() (stock.MovementFilter, error) {
	var f stock.MovementFilter
	var err error

	if f.ProductID, err = id.ParseOptional(r.ProductID); err != nil {
		return f, apperror.NewValidation("invalid productId format")
	}
	if f.LocalityID, err = id.ParseOptional(r.LocalityID); err != nil {
		return f, apperror.NewValidation("invalid localityId format")
	}
	if r.Direction != "" {
		d := entity.Direction(strings.ToUpper(r.Direction))
		if !d.Valid() {
			return f, apperror.NewValidation("direction must be IN or OUT")
		}
		f.Direction = &d
	}
	f.BatchID = r.BatchID
	if f.FromDate, err = parseTime("fromDate", r.FromDate); err != nil {
		return f, err
	}
	if f.ToDate, err = parseTime("toDate", r.ToDate); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperror.NewValidation("invalid " + field + " format, expected RFC3339")
	}
	return &t, nil
}
