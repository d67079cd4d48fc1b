package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/fjod/go_cart/cart-core/internal/publisher"
	"github.com/fjod/go_cart/cart-core/internal/repository"
	"github.com/fjod/go_cart/cart-core/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	mu      sync.Mutex
	expired []string
}

func (c *counter) Publish(_ context.Context, e publisher.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Type == publisher.EventCartExpired {
		c.expired = append(c.expired, e.CartID)
	}
	return nil
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expired)
}

type env struct {
	svc    *service.CartService
	repo   *repository.MemoryRepository
	events *counter
	mu     sync.Mutex
	now    time.Time
}

func newEnv() *env {
	e := &env{
		repo:   repository.NewMemoryRepository(),
		events: &counter{},
		now:    time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
	}
	e.svc = service.NewCartService(service.Deps{
		Repo:    e.repo,
		Catalog: catalog.NewStaticCatalog([]catalog.Product{{ID: 1, BasePrice: 100, Stock: 10, Available: true}}),
		Events:  e.events,
		Logger:  logger.Discard(),
	}, service.Options{
		Policy: domain.DefaultExpirationPolicy(),
		Rules:  pricing.DefaultRules(),
		Now:    e.clock,
	})
	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *env) cart(t *testing.T, id domain.Identity) *domain.Cart {
	t.Helper()
	snap, err := e.svc.AddItem(context.Background(), id, service.AddItemInput{ProductID: 1, Quantity: 1})
	require.NoError(t, err)
	return snap.Cart
}

func (e *env) status(t *testing.T, id string) domain.Status {
	t.Helper()
	c, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestSweep_Lifecycle(t *testing.T) {
	e := newEnv()
	s := New(e.svc, time.Hour, 10, logger.Discard())
	ctx := context.Background()

	guestCart := e.cart(t, domain.GuestIdentity("s-1", "fp"))
	userCart := e.cart(t, domain.UserIdentity("u-1"))

	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	e.advance(4 * time.Hour)
	stats, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Abandoned: 2}, stats)
	assert.Equal(t, domain.StatusAbandoned, e.status(t, guestCart.ID))
	assert.Equal(t, domain.StatusAbandoned, e.status(t, userCart.ID))

	e.advance(21 * time.Hour)
	stats, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Expired: 1}, stats)
	assert.Equal(t, domain.StatusExpired, e.status(t, guestCart.ID))
	assert.Equal(t, domain.StatusAbandoned, e.status(t, userCart.ID))
	assert.Equal(t, 1, e.events.count())

	// a mutation reactivates the abandoned user cart
	again := e.cart(t, domain.UserIdentity("u-1"))
	assert.Equal(t, userCart.ID, again.ID)
	assert.Equal(t, domain.StatusActive, again.Status)

	e.advance(30 * 24 * time.Hour)
	stats, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, domain.StatusExpired, e.status(t, userCart.ID))
}

func TestSweep_Batches(t *testing.T) {
	e := newEnv()
	s := New(e.svc, time.Hour, 2, logger.Discard())

	for i := 0; i < 5; i++ {
		e.cart(t, domain.GuestIdentity(fmt.Sprintf("s-%d", i), "fp"))
	}
	e.advance(24 * time.Hour)

	stats, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Expired)

	left, err := e.repo.ListExpirable(context.Background(), e.clock(), 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweep_SkipsTouchedCarts(t *testing.T) {
	e := newEnv()
	s := New(e.svc, time.Hour, 10, logger.Discard())
	id := domain.GuestIdentity("s-1", "fp")

	c := e.cart(t, id)
	e.advance(23 * time.Hour)
	e.cart(t, id)
	e.advance(2 * time.Hour)

	stats, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, domain.StatusActive, e.status(t, c.ID))
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv()
	s := New(e.svc, 10*time.Millisecond, 10, logger.Discard())
	e.cart(t, domain.GuestIdentity("s-1", "fp"))
	e.advance(48 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return e.events.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, 0, 0, logger.Discard())
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultBatchSize, s.batchSize)
}

func TestSweep_ExpiresExactlyAtTTL(t *testing.T) {
	cases := []struct {
		name string
		id   domain.Identity
		ttl  time.Duration
	}{
		{"guest", domain.GuestIdentity("s-1", "fp"), 24 * time.Hour},
		{"user", domain.UserIdentity("u-1"), 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv()
			s := New(e.svc, time.Hour, 10, logger.Discard())
			ctx := context.Background()

			c := e.cart(t, tc.id)
			require.Equal(t, e.clock().Add(tc.ttl), c.ExpiresAt)

			e.advance(tc.ttl - time.Nanosecond)
			stats, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Expired)
			assert.NotEqual(t, domain.StatusExpired, e.status(t, c.ID))
			assert.Zero(t, e.events.count())

			e.advance(time.Nanosecond)
			stats, err = s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Expired)
			assert.Equal(t, domain.StatusExpired, e.status(t, c.ID))
			assert.Equal(t, 1, e.events.count())
		})
	}
}
