package memory

import (
	"context"
	"sync"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/reference"
)

var _ reference.Lookup = (*Catalog)(nil)

// Catalog is an in-memory reference data source.
type Catalog struct {
	mu      sync.RWMutex
	entries map[reference.Kind]map[id.ID]reference.Entry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[reference.Kind]map[id.ID]reference.Entry)}
}

// Put adds or replaces an entry.
func (c *Catalog) Put(e reference.Entry) reference.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID, ok := c.entries[e.Kind]
	if !ok {
		byID = make(map[id.ID]reference.Entry)
		c.entries[e.Kind] = byID
	}
	byID[e.ID] = e
	return e
}

// Add creates an active entry with a generated id.
func (c *Catalog) Add(kind reference.Kind, name string) reference.Entry {
	return c.Put(reference.Entry{ID: id.New(), Kind: kind, Name: name, Active: true})
}

// AddProduct creates an active product of brand.
func (c *Catalog) AddProduct(name, brand string) reference.Entry {
	return c.Put(reference.Entry{ID: id.New(), Kind: reference.KindProduct, Name: name, Brand: brand, Active: true})
}

// AddShelf creates an active shelf inside locality.
func (c *Catalog) AddShelf(localityID id.ID, name string) reference.Entry {
	loc := localityID
	return c.Put(reference.Entry{ID: id.New(), Kind: reference.KindShelf, Name: name, Active: true, LocalityID: &loc})
}

// SetActive toggles an entry's active flag.
func (c *Catalog) SetActive(kind reference.Kind, refID id.ID, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[kind][refID]; ok {
		e.Active = active
		c.entries[kind][refID] = e
	}
}

// List returns every entry of kind.
func (c *Catalog) List(kind reference.Kind) []reference.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]reference.Entry, 0, len(c.entries[kind]))
	for _, e := range c.entries[kind] {
		out = append(out, e)
	}
	return out
}

func (c *Catalog) Lookup(_ context.Context, kind reference.Kind, refID id.ID) (reference.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[kind][refID]
	if !ok {
		return reference.Entry{}, reference.ErrNotFound
	}
	return e, nil
}

// SeedDemo fills the catalog with a small data set for local runs.
func (c *Catalog) SeedDemo() {
	c.Add(reference.KindUnit, "pcs")
	c.Add(reference.KindUnit, "kg")
	main := c.Add(reference.KindLocality, "Main warehouse")
	store := c.Add(reference.KindLocality, "Shop floor")
	c.AddShelf(main.ID, "A-01")
	c.AddShelf(main.ID, "A-02")
	c.AddShelf(store.ID, "Front")
	c.AddProduct("Hex bolt M6", "Fastenal")
	c.AddProduct("Washer 6mm", "Fastenal")
}
