package repository

import (
	"context"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
)

// CartRepository stores carts. Implementations keep at most one open cart
// per identity key and reject stale saves with domain.ErrVersionConflict.
type CartRepository interface {
	// FindActive returns the open (ACTIVE or ABANDONED) cart of the identity.
	FindActive(ctx context.Context, id domain.Identity) (*domain.Cart, error)
	GetByID(ctx context.Context, cartID string) (*domain.Cart, error)
	Create(ctx context.Context, cart *domain.Cart) error
	// Save replaces the cart if its version still matches and bumps the version.
	Save(ctx context.Context, cart *domain.Cart) error
	// ListExpirable returns open carts whose expiration is at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Cart, error)
	// ListIdle returns ACTIVE carts with no activity since before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*domain.Cart, error)
	// ExpireIfDue expires the cart only if it is still open and due.
	ExpireIfDue(ctx context.Context, cartID string, now time.Time) (bool, error)
	// AbandonIfIdle marks the cart ABANDONED only if it is still ACTIVE and idle.
	AbandonIfIdle(ctx context.Context, cartID string, before, now time.Time) (bool, error)
	// RunInTransaction runs fn atomically. The repository passed to fn must
	// be used for every operation that belongs to the transaction.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx CartRepository) error) error
	Ping(ctx context.Context) error
}
