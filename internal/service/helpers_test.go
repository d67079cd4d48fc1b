package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/discount"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/fjod/go_cart/cart-core/internal/publisher"
	"github.com/fjod/go_cart/cart-core/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.RWMutex
	events []publisher.Event
}

func (r *recorder) Publish(_ context.Context, e publisher.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Types() []publisher.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]publisher.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (*pricing.Promotion, error) {
	return nil, errors.New("db unavailable")
}

func testProducts() []catalog.Product {
	return []catalog.Product{
		{ID: 1, Name: "Mug", BasePrice: 1500, Stock: 100, Available: true},
		{ID: 2, Name: "Poster", BasePrice: 1000, TaxRate: "0.0825", Stock: 2, Available: true},
		{ID: 3, Name: "Banner", TaxRate: "0.1", Stock: 50, Available: true,
			Variable: &catalog.Dimension{FixedHeight: "2", RatePerUnit: "500", TaxIncluded: true}},
		{ID: 4, Name: "Retired", BasePrice: 100, Available: false},
	}
}

type fixture struct {
	svc     *CartService
	repo    *repository.MemoryRepository
	catalog *catalog.StaticCatalog
	clock   *fakeClock
	events  *recorder
}

func newFixture(opts ...func(*Deps)) *fixture {
	f := &fixture{
		repo:    repository.NewMemoryRepository(),
		catalog: catalog.NewStaticCatalog(testProducts()),
		clock:   newClock(),
		events:  &recorder{},
	}
	deps := Deps{
		Repo:    f.repo,
		Catalog: f.catalog,
		Discounts: discount.NewStaticResolver([]pricing.Promotion{
			{Code: "TEN", Percent: pricing.MustDecimal("10"), Active: true},
		}),
		Events: f.events,
		Logger: logger.Discard(),
	}
	for _, o := range opts {
		o(&deps)
	}
	if r, ok := deps.Repo.(*repository.MemoryRepository); ok {
		f.repo = r
	}
	f.svc = NewCartService(deps, Options{
		Policy: domain.DefaultExpirationPolicy(),
		Rules:  pricing.Rules{Currency: "USD", FreeShippingThreshold: 5000, FlatShipping: 599},
		Now:    f.clock.Now,
	})
	return f
}

var guest = domain.GuestIdentity("sess-1", "fp-1")
