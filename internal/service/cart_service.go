package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/cache"
	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/discount"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/lock"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/fjod/go_cart/cart-core/internal/publisher"
	"github.com/fjod/go_cart/cart-core/internal/repository"
	"golang.org/x/sync/singleflight"
)

const maxSaveAttempts = 3

type Deps struct {
	Repo      repository.CartRepository
	Cache     cache.CartCache
	Locker    lock.Locker
	Catalog   catalog.Catalog
	Discounts discount.Resolver
	Events    publisher.Publisher
	Logger    *slog.Logger
}

type Options struct {
	Policy domain.ExpirationPolicy
	Rules  pricing.Rules
	Now    func() time.Time
}

type CartService struct {
	repo      repository.CartRepository
	cache     cache.CartCache
	locker    lock.Locker
	catalog   catalog.Catalog
	discounts discount.Resolver
	events    publisher.Publisher
	logger    *slog.Logger

	policy domain.ExpirationPolicy
	rules  pricing.Rules
	now    func() time.Time

	sfg singleflight.Group // Prevents cache stampede
}

func NewCartService(deps Deps, opts Options) *CartService {
	s := &CartService{
		repo:      deps.Repo,
		cache:     deps.Cache,
		locker:    deps.Locker,
		catalog:   deps.Catalog,
		discounts: deps.Discounts,
		events:    deps.Events,
		logger:    deps.Logger,
		policy:    opts.Policy,
		rules:     opts.Rules,
		now:       opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.NopCache{}
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.events == nil {
		s.events = publisher.LogPublisher{Logger: deps.Logger}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *CartService) Policy() domain.ExpirationPolicy { return s.policy }
func (s *CartService) Rules() pricing.Rules            { return s.rules }
func (s *CartService) Now() time.Time                  { return s.now() }
func (s *CartService) Repo() repository.CartRepository { return s.repo }
func (s *CartService) Locker() lock.Locker             { return s.locker }

// GetCart returns the priced snapshot of the identity's open cart, creating
// the cart if needed.
func (s *CartService) GetCart(ctx context.Context, id domain.Identity) (*Snapshot, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	key := id.Key()
	v, err, _ := s.sfg.Do(key, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, key)
		if err == nil && cart.IsOpen() && !cart.ExpiredAt(s.now()) {
			return cart, nil
		}
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WarnContext(ctx, "cache get error", "key", key, "error", err)
		}

		return s.loadAndCache(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	return s.Price(ctx, v.(*domain.Cart).Clone()), nil
}

// loadAndCache resolves the cart and fills the cache under the identity lock,
// so a writer cannot commit and invalidate in between.
func (s *CartService) loadAndCache(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	key := id.Key()
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	cart, err := s.Resolve(ctx, s.repo, id, nil)
	if err != nil {
		return nil, err
	}

	setCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.cache.Set(setCtx, key, cart.Clone()); err != nil {
		s.logger.WarnContext(ctx, "cache set error", "key", key, "error", err)
	}
	return cart, nil
}

// Deferred collects carts expired inside a transaction. Their notifications
// are sent with NotifyDeferred once the transaction has committed.
type Deferred struct {
	expired []*domain.Cart
}

// Reset forgets what was collected by a rolled back attempt.
func (d *Deferred) Reset() {
	d.expired = d.expired[:0]
}

// Resolve finds or creates the open cart of the identity. The caller must
// hold the identity lock. A cart found past its expiration is expired first;
// with a nil d its cart.expired notification is sent right away, otherwise it
// is collected in d.
func (s *CartService) Resolve(ctx context.Context, repo repository.CartRepository, id domain.Identity, d *Deferred) (*domain.Cart, error) {
	cart, err := s.findOpen(ctx, repo, id, d)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, domain.ErrCartNotFound) {
		return nil, err
	}

	cart = domain.NewCart(id, s.now(), s.policy)
	if err := repo.Create(ctx, cart); err != nil {
		if errors.Is(err, domain.ErrDuplicateActiveCart) {
			// another instance created it first
			return s.findOpen(ctx, repo, id, d)
		}
		return nil, fmt.Errorf("create cart: %w", err)
	}
	s.logger.DebugContext(ctx, "cart created", "cart_id", cart.ID, "identity", id.Key())
	return cart, nil
}

// FindOpen returns the identity's open cart without creating one. Lazy expiry
// follows the same rules as Resolve.
func (s *CartService) FindOpen(ctx context.Context, repo repository.CartRepository, id domain.Identity, d *Deferred) (*domain.Cart, error) {
	return s.findOpen(ctx, repo, id, d)
}

func (s *CartService) findOpen(ctx context.Context, repo repository.CartRepository, id domain.Identity, d *Deferred) (*domain.Cart, error) {
	cart, err := repo.FindActive(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !cart.ExpiredAt(now) {
		return cart, nil
	}

	expired, err := repo.ExpireIfDue(ctx, cart.ID, now)
	if err != nil {
		return nil, fmt.Errorf("expire cart %s: %w", cart.ID, err)
	}
	if expired {
		if d != nil {
			d.expired = append(d.expired, cart)
		} else {
			s.NotifyExpired(ctx, cart)
		}
	}
	return nil, domain.ErrCartNotFound
}

// NotifyDeferred sends the notifications collected in d.
func (s *CartService) NotifyDeferred(ctx context.Context, d *Deferred) {
	for _, cart := range d.expired {
		s.NotifyExpired(ctx, cart)
	}
	d.Reset()
}

// NotifyExpired drops the cached snapshot of an expired cart and publishes
// cart.expired.
func (s *CartService) NotifyExpired(ctx context.Context, cart *domain.Cart) {
	s.InvalidateCache(cart.Identity().Key())
	err := s.events.Publish(ctx, publisher.Event{
		Type:       publisher.EventCartExpired,
		CartID:     cart.ID,
		UserID:     cart.UserID,
		SessionID:  cart.SessionID,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish expired event failed", "cart_id", cart.ID, "error", err)
	}
}

// mutate runs fn on a copy of the identity's open cart and saves it. The
// whole read-modify-write happens under the identity lock; a concurrent
// writer from another instance shows up as a version conflict and the
// operation is retried on fresh state.
func (s *CartService) mutate(ctx context.Context, id domain.Identity, fn func(c *domain.Cart) error) (*Snapshot, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, id.Key())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", id.Key(), err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		stored, err := s.Resolve(ctx, s.repo, id, nil)
		if err != nil {
			return nil, err
		}

		cart := stored.Clone()
		if err := fn(cart); err != nil {
			return nil, err
		}
		cart.Touch(s.now(), s.policy)
		snapshot := s.Price(ctx, cart)

		err = s.repo.Save(ctx, cart)
		if err == nil {
			s.InvalidateCache(id.Key())
			return snapshot, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == maxSaveAttempts {
			return nil, err
		}

		current, getErr := s.repo.GetByID(ctx, stored.ID)
		if getErr == nil && current.Status.IsTerminal() {
			s.InvalidateCache(id.Key())
			return nil, &domain.ConflictError{CartID: current.ID, Status: current.Status}
		}
		s.logger.DebugContext(ctx, "retrying cart save", "cart_id", stored.ID, "attempt", attempt)
	}
}

func (s *CartService) InvalidateCache(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("cache invalidate error", "key", key, "error", err)
	}
}
