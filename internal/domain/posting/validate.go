package posting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

func validateBatch(batch *entity.Batch) error {
	if !batch.Direction.Valid() {
		return apperror.NewValidation("direction must be IN or OUT").
			WithDetail("direction", string(batch.Direction))
	}
	if len(batch.Lines) == 0 {
		return apperror.NewValidation("batch must contain at least one line")
	}
	if len(batch.ID) > MaxBatchIDLength {
		return apperror.NewValidation(fmt.Sprintf("batchId must not exceed %d characters", MaxBatchIDLength))
	}

	// Every bad line is listed under "lines"; the error itself names the first.
	var first *apperror.AppError
	var lines []map[string]any
	for i := range batch.Lines {
		err := validateLine(i, &batch.Lines[i])
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		lines = append(lines, map[string]any{"line": i, "reason": err.Details["reason"]})
	}
	if first == nil {
		return nil
	}
	if len(lines) > 1 {
		first.WithDetail("lines", lines)
	}
	return first
}

func validateLine(i int, line *entity.BatchLine) *apperror.AppError {
	switch {
	case id.IsNil(line.ProductID):
		return apperror.NewInvalidLine(i, "productId is required")
	case id.IsNil(line.UnitID):
		return apperror.NewInvalidLine(i, "unitId is required")
	case id.IsNil(line.LocalityID):
		return apperror.NewInvalidLine(i, "localityId is required")
	case line.ShelfID != nil && id.IsNil(*line.ShelfID):
		return apperror.NewInvalidLine(i, "shelfId must not be the nil id")
	case !line.Quantity.IsPositive():
		return apperror.NewInvalidLine(i, "quantity must be positive").
			WithDetail("quantity", line.Quantity.String())
	}
	return nil
}

type hashedLine struct {
	ProductID  string `json:"p"`
	UnitID     string `json:"u"`
	LocalityID string `json:"l"`
	ShelfID    string `json:"s,omitempty"`
	Quantity   int64  `json:"q"`
	Notes      string `json:"n,omitempty"`
}

type hashedBatch struct {
	Direction     entity.Direction `json:"d"`
	InvoiceNumber string           `json:"i,omitempty"`
	OrderNumber   string           `json:"o,omitempty"`
	Notes         string           `json:"n,omitempty"`
	Lines         []hashedLine     `json:"l"`
}

// RequestHash fingerprints the batch content (everything except its id).
// A replayed batch id must carry the same fingerprint.
func RequestHash(batch *entity.Batch) string {
	hb := hashedBatch{
		Direction:     batch.Direction,
		InvoiceNumber: batch.InvoiceNumber,
		OrderNumber:   batch.OrderNumber,
		Notes:         batch.Notes,
		Lines:         make([]hashedLine, len(batch.Lines)),
	}
	for i, l := range batch.Lines {
		hl := hashedLine{
			ProductID:  l.ProductID.String(),
			UnitID:     l.UnitID.String(),
			LocalityID: l.LocalityID.String(),
			Quantity:   l.Quantity.Int64Scaled(),
			Notes:      l.Notes,
		}
		if l.ShelfID != nil {
			hl.ShelfID = l.ShelfID.String()
		}
		hb.Lines[i] = hl
	}

	raw, _ := json.Marshal(hb)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
