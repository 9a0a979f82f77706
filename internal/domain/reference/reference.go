// Package reference resolves the products, units, localities and shelves a
// movement line points at. Reference data is owned elsewhere and only read here.
package reference

import (
	"context"
	"errors"
	"fmt"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

// Kind is the type of reference entity.
type Kind string

const (
	KindProduct  Kind = "product"
	KindUnit     Kind = "unit"
	KindLocality Kind = "locality"
	KindShelf    Kind = "shelf"
)

// ErrNotFound is returned by a Lookup when the entity does not exist.
var ErrNotFound = errors.New("reference not found")

// Entry is a resolved reference entity.
type Entry struct {
	ID     id.ID  `db:"id"`
	Kind   Kind   `db:"-"`
	Name   string `db:"name"`
	Active bool   `db:"is_active"`

	// Brand is set for products only.
	Brand string `db:"brand_name"`

	// LocalityID is set for shelves only.
	LocalityID *id.ID `db:"locality_id"`
}

// Lookup fetches a single reference entity.
type Lookup interface {
	Lookup(ctx context.Context, kind Kind, refID id.ID) (Entry, error)
}

// ResolvedLine carries the entries behind one batch line.
type ResolvedLine struct {
	Product  Entry
	Unit     Entry
	Locality Entry
	Shelf    *Entry
}

// Resolver validates batch lines against reference data.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a resolver over lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// ResolveLine checks that every reference on the line exists and is active.
// A shelf outside the line's locality is reported as not found.
func (r *Resolver) ResolveLine(ctx context.Context, lineNo int, line entity.BatchLine) (ResolvedLine, error) {
	var out ResolvedLine
	var err error

	if out.Product, err = r.active(ctx, lineNo, KindProduct, line.ProductID); err != nil {
		return out, err
	}
	if out.Unit, err = r.active(ctx, lineNo, KindUnit, line.UnitID); err != nil {
		return out, err
	}
	if out.Locality, err = r.active(ctx, lineNo, KindLocality, line.LocalityID); err != nil {
		return out, err
	}

	if line.ShelfID != nil {
		shelf, err := r.active(ctx, lineNo, KindShelf, *line.ShelfID)
		if err != nil {
			return out, err
		}
		if shelf.LocalityID == nil || *shelf.LocalityID != line.LocalityID {
			return out, apperror.NewReferenceNotFound(lineNo, string(KindShelf), shelf.ID.String()).
				WithDetail("locality_id", line.LocalityID.String())
		}
		out.Shelf = &shelf
	}

	return out, nil
}

// ResolveKey checks only the product and locality of line.
func (r *Resolver) ResolveKey(ctx context.Context, line entity.BatchLine) (ResolvedLine, error) {
	var out ResolvedLine
	var err error
	if out.Product, err = r.active(ctx, 0, KindProduct, line.ProductID); err != nil {
		return out, err
	}
	out.Locality, err = r.active(ctx, 0, KindLocality, line.LocalityID)
	return out, err
}

func (r *Resolver) active(ctx context.Context, lineNo int, kind Kind, refID id.ID) (Entry, error) {
	e, err := r.lookup.Lookup(ctx, kind, refID)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, apperror.NewReferenceNotFound(lineNo, string(kind), refID.String())
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s %s: %w", kind, refID, err)
	}
	if !e.Active {
		return Entry{}, apperror.NewReferenceNotFound(lineNo, string(kind), refID.String()).
			WithDetail("inactive", true)
	}
	return e, nil
}
