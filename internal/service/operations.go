package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

type AddItemInput struct {
	ProductID    int64
	Quantity     int
	CustomLength *pricing.Decimal
	IsGift       bool
	GiftMessage  string
}

func (s *CartService) AddItem(ctx context.Context, id domain.Identity, in AddItemInput) (*Snapshot, error) {
	if in.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	product, err := s.catalog.GetProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Available {
		return nil, fmt.Errorf("product %d is unavailable: %w", in.ProductID, domain.ErrProductNotFound)
	}
	price, err := product.Price()
	if err != nil {
		return nil, fmt.Errorf("price product %d: %w", in.ProductID, err)
	}
	line, err := pricing.PriceLine(price, in.Quantity, in.CustomLength)
	if err != nil {
		return nil, err
	}

	item := domain.CartItem{
		ProductID:   product.ID,
		Name:        product.Name,
		Quantity:    in.Quantity,
		UnitPrice:   line.UnitPrice,
		BasePrice:   line.BasePrice,
		TaxRate:     line.TaxRate,
		TaxIncluded: line.TaxIncluded,
		IsGift:      in.IsGift,
		GiftMessage: in.GiftMessage,
	}
	if price.Variable != nil {
		length := *in.CustomLength
		height := price.Variable.FixedHeight
		item.CustomLength = &length
		item.FixedHeight = &height
	}

	return s.mutate(ctx, id, func(c *domain.Cart) error {
		_, err := c.AddItem(item, s.now())
		return err
	})
}

// UpdateItemQuantity sets the quantity of an item; zero or less removes it.
func (s *CartService) UpdateItemQuantity(ctx context.Context, id domain.Identity, itemID string, quantity int) (*Snapshot, error) {
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.UpdateItemQuantity(itemID, quantity)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, id domain.Identity, itemID string) (*Snapshot, error) {
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.RemoveItem(itemID)
	})
}

func (s *CartService) Clear(ctx context.Context, id domain.Identity) (*Snapshot, error) {
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.Clear()
	})
}

// ApplyDiscountCode attaches a code. Unknown codes are kept and priced as a
// zero discount so the client can show why.
func (s *CartService) ApplyDiscountCode(ctx context.Context, id domain.Identity, code string) (*Snapshot, error) {
	code = pricing.NormalizeCode(code)
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.SetDiscountCode(code)
	})
}

func (s *CartService) RemoveDiscountCode(ctx context.Context, id domain.Identity) (*Snapshot, error) {
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.SetDiscountCode("")
	})
}

// SetGift replaces the cart gift metadata; nil clears it.
func (s *CartService) SetGift(ctx context.Context, id domain.Identity, gift *domain.Gift) (*Snapshot, error) {
	return s.mutate(ctx, id, func(c *domain.Cart) error {
		return c.SetGift(gift)
	})
}

// MarkCheckedOut closes a cart after an order was created from it. The cart
// is looked up by id first and by the user's open cart otherwise.
func (s *CartService) MarkCheckedOut(ctx context.Context, cartID, userID, orderID string) error {
	cart, err := s.lookupForCheckout(ctx, cartID, userID)
	if err != nil {
		return err
	}

	key := cart.Identity().Key()
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		if cart.Status == domain.StatusCheckedOut && cart.OrderID == orderID {
			return nil
		}
		if err := cart.CheckOut(orderID, s.now()); err != nil {
			return err
		}
		err = s.repo.Save(ctx, cart)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == maxSaveAttempts {
			return err
		}
		if cart, err = s.repo.GetByID(ctx, cart.ID); err != nil {
			return err
		}
	}

	s.InvalidateCache(key)
	s.logger.InfoContext(ctx, "cart checked out", "cart_id", cart.ID, "order_id", orderID)
	return nil
}

func (s *CartService) lookupForCheckout(ctx context.Context, cartID, userID string) (*domain.Cart, error) {
	if cartID != "" {
		cart, err := s.repo.GetByID(ctx, cartID)
		if err == nil || !errors.Is(err, domain.ErrCartNotFound) || userID == "" {
			return cart, err
		}
	}
	if userID == "" {
		return nil, domain.ErrIdentityUnresolved
	}
	return s.repo.FindActive(ctx, domain.UserIdentity(userID))
}
