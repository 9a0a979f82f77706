// Package entity provides core domain entities of the stock ledger.
package entity

import (
	"bytes"
	"fmt"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Direction defines movement direction.
type Direction string

const (
	// DirectionIn increases stock.
	DirectionIn Direction = "IN"
	// DirectionOut decreases stock.
	DirectionOut Direction = "OUT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Sign applies the direction to a positive quantity.
func (d Direction) Sign(q types.Quantity) types.Quantity {
	if d == DirectionOut {
		return q.Neg()
	}
	return q
}

// LevelKey identifies one stock level: a product in a locality.
type LevelKey struct {
	ProductID  id.ID `db:"product_id" json:"productId"`
	LocalityID id.ID `db:"locality_id" json:"localityId"`
}

func (k LevelKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProductID, k.LocalityID)
}

// Compare orders keys by product id, then locality id.
// Every lock taker uses this order.
func (k LevelKey) Compare(other LevelKey) int {
	if c := bytes.Compare(k.ProductID[:], other.ProductID[:]); c != 0 {
		return c
	}
	return bytes.Compare(k.LocalityID[:], other.LocalityID[:])
}

// Movement is one immutable ledger row.
// Movements are never updated or deleted; corrections are compensating movements.
type Movement struct {
	ID      id.ID  `db:"id" json:"id"`
	BatchID string `db:"batch_id" json:"batchId"`
	LineNo  int    `db:"line_no" json:"lineNo"`

	Direction Direction `db:"direction" json:"direction"`

	// Dimensions
	ProductID  id.ID  `db:"product_id" json:"productId"`
	UnitID     id.ID  `db:"unit_id" json:"unitId"`
	LocalityID id.ID  `db:"locality_id" json:"localityId"`
	ShelfID    *id.ID `db:"shelf_id" json:"shelfId,omitempty"`

	// Resource
	Quantity types.Quantity `db:"quantity" json:"quantity"`

	InvoiceNumber string `db:"invoice_number" json:"invoiceNumber,omitempty"`
	OrderNumber   string `db:"order_number" json:"orderNumber,omitempty"`
	Notes         string `db:"notes" json:"notes,omitempty"`

	// Display snapshots taken from the reference data at commit time
	ProductName  string `db:"product_name" json:"productName,omitempty"`
	BrandName    string `db:"brand_name" json:"brandName,omitempty"`
	UnitName     string `db:"unit_name" json:"unitName,omitempty"`
	LocalityName string `db:"locality_name" json:"localityName,omitempty"`
	ShelfName    string `db:"shelf_name" json:"shelfName,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Key returns the stock level the movement applies to.
func (m *Movement) Key() LevelKey {
	return LevelKey{ProductID: m.ProductID, LocalityID: m.LocalityID}
}

// SignedQuantity returns quantity with sign based on direction.
// IN = positive, OUT = negative.
func (m *Movement) SignedQuantity() types.Quantity {
	return m.Direction.Sign(m.Quantity)
}

// StockLevel is the projection row for one key.
type StockLevel struct {
	ProductID  id.ID `db:"product_id" json:"productId"`
	LocalityID id.ID `db:"locality_id" json:"localityId"`

	Quantity types.Quantity `db:"quantity" json:"quantity"`

	// Thresholds, zero means unset
	MinQuantity types.Quantity `db:"min_quantity" json:"minQuantity"`
	MaxQuantity types.Quantity `db:"max_quantity" json:"maxQuantity"`

	LastMovementID *id.ID    `db:"last_movement_id" json:"lastMovementId,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

func (l *StockLevel) Key() LevelKey {
	return LevelKey{ProductID: l.ProductID, LocalityID: l.LocalityID}
}

// BatchLine is one requested movement inside a batch.
type BatchLine struct {
	ProductID  id.ID
	UnitID     id.ID
	LocalityID id.ID
	ShelfID    *id.ID
	Quantity   types.Quantity
	Notes      string
}

func (l *BatchLine) Key() LevelKey {
	return LevelKey{ProductID: l.ProductID, LocalityID: l.LocalityID}
}

// Batch is the unit of atomicity: all lines commit or none do.
type Batch struct {
	// ID is caller supplied for idempotent retries; generated when empty.
	ID            string
	Direction     Direction
	Lines         []BatchLine
	InvoiceNumber string
	OrderNumber   string
	Notes         string
}

// Keys returns the distinct stock levels the batch touches.
func (b *Batch) Keys() []LevelKey {
	seen := make(map[LevelKey]struct{}, len(b.Lines))
	keys := make([]LevelKey, 0, len(b.Lines))
	for i := range b.Lines {
		k := b.Lines[i].Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// BatchHeader is the persisted registry entry for a committed batch.
type BatchHeader struct {
	ID            string    `db:"id" json:"batchId"`
	Direction     Direction `db:"direction" json:"direction"`
	InvoiceNumber string    `db:"invoice_number" json:"invoiceNumber,omitempty"`
	OrderNumber   string    `db:"order_number" json:"orderNumber,omitempty"`
	Notes         string    `db:"notes" json:"notes,omitempty"`
	LineCount     int       `db:"line_count" json:"lineCount"`
	RequestHash   string    `db:"request_hash" json:"-"`
	CommittedBy   string    `db:"committed_by" json:"committedBy,omitempty"`
	CommittedAt   time.Time `db:"committed_at" json:"committedAt"`
}

// CommittedBatch is the result of a successful submission or a replay.
type CommittedBatch struct {
	BatchHeader
	Movements []Movement `json:"movements"`

	// Replayed is set when the batch id had already been committed and the
	// stored result was returned without applying anything.
	Replayed bool `json:"replayed"`
}
