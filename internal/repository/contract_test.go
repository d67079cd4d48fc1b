package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// runRepositoryContract exercises behavior every CartRepository must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) CartRepository) {
	policy := domain.DefaultExpirationPolicy()

	t.Run("FindActive not found", func(t *testing.T) {
		repo := newRepo(t)
		cart, err := repo.FindActive(context.Background(), domain.UserIdentity("nobody"))
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
		assert.Nil(t, cart)
	})

	t.Run("Create and find with decimals", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		cart := domain.NewCart(domain.GuestIdentity("s1", "fp"), baseTime, policy)
		length := pricing.MustDecimal("2.75")
		_, err := cart.AddItem(domain.CartItem{
			ProductID:    5,
			Quantity:     2,
			TaxRate:      pricing.MustDecimal("0.0825"),
			CustomLength: &length,
		}, baseTime)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, cart))

		got, err := repo.FindActive(ctx, domain.GuestIdentity("s1", ""))
		require.NoError(t, err)
		assert.Equal(t, cart.ID, got.ID)
		require.Len(t, got.Items, 1)
		assert.Equal(t, "0.0825", got.Items[0].TaxRate.String())
		require.NotNil(t, got.Items[0].CustomLength)
		assert.Equal(t, "2.75", got.Items[0].CustomLength.String())
	})

	t.Run("one open cart per identity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, domain.NewCart(domain.UserIdentity("u1"), baseTime, policy)))

		err := repo.Create(ctx, domain.NewCart(domain.UserIdentity("u1"), baseTime, policy))
		assert.ErrorIs(t, err, domain.ErrDuplicateActiveCart)
	})

	t.Run("Save checks version", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		cart := domain.NewCart(domain.UserIdentity("u2"), baseTime, policy)
		require.NoError(t, repo.Create(ctx, cart))

		a, err := repo.GetByID(ctx, cart.ID)
		require.NoError(t, err)
		b, err := repo.GetByID(ctx, cart.ID)
		require.NoError(t, err)

		a.DiscountCode = "A"
		require.NoError(t, repo.Save(ctx, a))
		assert.Equal(t, int64(1), a.Version)

		b.DiscountCode = "B"
		assert.ErrorIs(t, repo.Save(ctx, b), domain.ErrVersionConflict)

		got, err := repo.GetByID(ctx, cart.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", got.DiscountCode)
	})

	t.Run("ExpireIfDue is conditional and idempotent", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		cart := domain.NewCart(domain.GuestIdentity("s2", ""), baseTime, policy)
		require.NoError(t, repo.Create(ctx, cart))

		due, err := repo.ListExpirable(ctx, baseTime.Add(23*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		at := baseTime.Add(24 * time.Hour)
		due, err = repo.ListExpirable(ctx, at, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		changed, err := repo.ExpireIfDue(ctx, cart.ID, at)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = repo.ExpireIfDue(ctx, cart.ID, at)
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = repo.FindActive(ctx, domain.GuestIdentity("s2", ""))
		assert.ErrorIs(t, err, domain.ErrCartNotFound)

		got, err := repo.GetByID(ctx, cart.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, got.Status)

		// the identity can open a new cart now
		require.NoError(t, repo.Create(ctx, domain.NewCart(domain.GuestIdentity("s2", ""), at, policy)))
	})

	t.Run("AbandonIfIdle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		cart := domain.NewCart(domain.UserIdentity("u3"), baseTime, policy)
		require.NoError(t, repo.Create(ctx, cart))

		idle, err := repo.ListIdle(ctx, baseTime.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, idle, 1)

		changed, err := repo.AbandonIfIdle(ctx, cart.ID, baseTime.Add(time.Minute), baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := repo.FindActive(ctx, domain.UserIdentity("u3"))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAbandoned, got.Status)
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		guest := domain.NewCart(domain.GuestIdentity("s3", ""), baseTime, policy)
		require.NoError(t, repo.Create(ctx, guest))

		boom := errors.New("boom")
		err := repo.RunInTransaction(ctx, func(ctx context.Context, tx CartRepository) error {
			c, err := tx.GetByID(ctx, guest.ID)
			if err != nil {
				return err
			}
			c.Expire(baseTime, "other")
			if err := tx.Save(ctx, c); err != nil {
				return err
			}
			if err := tx.Create(ctx, domain.NewCart(domain.UserIdentity("u4"), baseTime, policy)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.GetByID(ctx, guest.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, got.Status)
		_, err = repo.FindActive(ctx, domain.UserIdentity("u4"))
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
	})

	t.Run("transaction commits", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		guest := domain.NewCart(domain.GuestIdentity("s4", ""), baseTime, policy)
		require.NoError(t, repo.Create(ctx, guest))

		err := repo.RunInTransaction(ctx, func(ctx context.Context, tx CartRepository) error {
			c, err := tx.GetByID(ctx, guest.ID)
			if err != nil {
				return err
			}
			c.Rekey("u5", baseTime, policy)
			return tx.Save(ctx, c)
		})
		require.NoError(t, err)

		got, err := repo.FindActive(ctx, domain.UserIdentity("u5"))
		require.NoError(t, err)
		assert.Equal(t, guest.ID, got.ID)
		_, err = repo.FindActive(ctx, domain.GuestIdentity("s4", ""))
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
	})
}
