// Package catalog resolves product prices and stock for cart lines.
package catalog

import (
	"context"
	"sync"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

type Product struct {
	ID        int64      `json:"id" koanf:"id"`
	Name      string     `json:"name" koanf:"name"`
	BasePrice int64      `json:"base_price_cents" koanf:"base_price_cents"`
	TaxRate   string     `json:"tax_rate" koanf:"tax_rate"`
	Stock     int        `json:"stock" koanf:"stock"`
	Available bool       `json:"available" koanf:"available"`
	Variable  *Dimension `json:"variable,omitempty" koanf:"variable"`
}

// Dimension describes a product priced by fixed height times custom length.
type Dimension struct {
	FixedHeight string `json:"fixed_height" koanf:"fixed_height"`
	RatePerUnit string `json:"rate_per_unit_cents" koanf:"rate_per_unit_cents"`
	TaxIncluded bool   `json:"tax_included" koanf:"tax_included"`
}

// Price converts the wire representation into calculator input.
func (p Product) Price() (pricing.ProductPrice, error) {
	pp := pricing.ProductPrice{BasePrice: p.BasePrice}
	if p.TaxRate != "" {
		rate, err := pricing.ParseDecimal(p.TaxRate)
		if err != nil {
			return pricing.ProductPrice{}, err
		}
		pp.TaxRate = rate
	}
	if p.Variable != nil {
		height, err := pricing.ParseDecimal(p.Variable.FixedHeight)
		if err != nil {
			return pricing.ProductPrice{}, err
		}
		rate, err := pricing.ParseDecimal(p.Variable.RatePerUnit)
		if err != nil {
			return pricing.ProductPrice{}, err
		}
		pp.Variable = &pricing.VariablePricing{FixedHeight: height, RatePerUnit: rate, TaxIncluded: p.Variable.TaxIncluded}
	}
	return pp, nil
}

type Catalog interface {
	// GetProduct returns domain.ErrProductNotFound for unknown ids.
	GetProduct(ctx context.Context, id int64) (*Product, error)
}

// StaticCatalog serves a fixed product list, typically loaded from config.
type StaticCatalog struct {
	mu       sync.RWMutex
	products map[int64]Product
}

func NewStaticCatalog(products []Product) *StaticCatalog {
	c := &StaticCatalog{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *StaticCatalog) GetProduct(_ context.Context, id int64) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return &p, nil
}

func (c *StaticCatalog) Put(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}
