package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-core/internal/discount"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

// Snapshot is a cart with its freshly computed payment components.
type Snapshot struct {
	Cart       *domain.Cart       `json:"cart"`
	Subtotal   int64              `json:"subtotal_cents"`
	Components pricing.Components `json:"components"`
	FinalTotal int64              `json:"final_total_cents"`
	Currency   string             `json:"currency"`
	ItemCount  int                `json:"item_count"`
}

// Price recomputes the components of cart and stores the denormalized
// amounts on it. A failing discount lookup degrades to a zero discount.
func (s *CartService) Price(ctx context.Context, cart *domain.Cart) *Snapshot {
	in := pricing.Input{
		Lines:        cart.Lines(),
		DiscountCode: cart.DiscountCode,
		At:           s.now(),
	}

	if cart.DiscountCode != "" && s.discounts != nil {
		promo, err := s.discounts.Resolve(ctx, cart.DiscountCode)
		switch {
		case err == nil:
			in.Promotion = promo
		case errors.Is(err, discount.ErrUnknownCode):
		default:
			in.PromotionUnavailable = true
			s.logger.WarnContext(ctx, "discount lookup failed",
				"cart_id", cart.ID, "code", cart.DiscountCode,
				"error", fmt.Errorf("%w: %w", domain.ErrStaleCalculation, err))
		}
	}

	b := pricing.Calculate(in, s.rules)
	cart.ApplyBreakdown(b)

	return &Snapshot{
		Cart:       cart,
		Subtotal:   b.Subtotal,
		Components: b.Components,
		FinalTotal: b.FinalTotal,
		Currency:   b.Currency,
		ItemCount:  b.ItemCount,
	}
}
