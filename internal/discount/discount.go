// Package discount resolves discount codes into promotions.
package discount

import (
	"context"
	"errors"
	"sync"

	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

var ErrUnknownCode = errors.New("unknown discount code")

type Resolver interface {
	// Resolve returns ErrUnknownCode when the code does not exist. Any other
	// error means the lookup itself failed.
	Resolve(ctx context.Context, code string) (*pricing.Promotion, error)
}

// StaticResolver serves promotions from configuration.
type StaticResolver struct {
	mu    sync.RWMutex
	promo map[string]pricing.Promotion
}

func NewStaticResolver(promos []pricing.Promotion) *StaticResolver {
	r := &StaticResolver{promo: make(map[string]pricing.Promotion, len(promos))}
	for _, p := range promos {
		p.Code = pricing.NormalizeCode(p.Code)
		r.promo[p.Code] = p
	}
	return r
}

func (r *StaticResolver) Resolve(_ context.Context, code string) (*pricing.Promotion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.promo[pricing.NormalizeCode(code)]
	if !ok {
		return nil, ErrUnknownCode
	}
	return &p, nil
}
