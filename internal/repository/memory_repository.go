package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
)

type memState struct {
	carts  map[string]*domain.Cart
	active map[string]string // active key -> cart id
}

func newMemState() *memState {
	return &memState{
		carts:  make(map[string]*domain.Cart),
		active: make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		carts:  make(map[string]*domain.Cart, len(s.carts)),
		active: make(map[string]string, len(s.active)),
	}
	for id, c := range s.carts {
		out.carts[id] = c.Clone()
	}
	for k, id := range s.active {
		out.active[k] = id
	}
	return out
}

func (s *memState) create(c *domain.Cart) error {
	if _, ok := s.carts[c.ID]; ok {
		return domain.ErrDuplicateActiveCart
	}
	if c.ActiveKey != "" {
		if _, ok := s.active[c.ActiveKey]; ok {
			return domain.ErrDuplicateActiveCart
		}
		s.active[c.ActiveKey] = c.ID
	}
	s.carts[c.ID] = c.Clone()
	return nil
}

func (s *memState) save(c *domain.Cart) error {
	stored, ok := s.carts[c.ID]
	if !ok {
		return domain.ErrCartNotFound
	}
	if stored.Version != c.Version {
		return domain.ErrVersionConflict
	}
	if c.ActiveKey != "" {
		if owner, ok := s.active[c.ActiveKey]; ok && owner != c.ID {
			return domain.ErrDuplicateActiveCart
		}
	}

	if stored.ActiveKey != "" && stored.ActiveKey != c.ActiveKey {
		delete(s.active, stored.ActiveKey)
	}
	if c.ActiveKey != "" {
		s.active[c.ActiveKey] = c.ID
	}
	next := c.Clone()
	next.Version++
	s.carts[c.ID] = next
	c.Version = next.Version
	return nil
}

func (s *memState) setStatus(c *domain.Cart, to domain.Status, now time.Time) {
	if to.IsTerminal() && c.ActiveKey != "" {
		delete(s.active, c.ActiveKey)
		c.ActiveKey = ""
	}
	c.Status = to
	c.UpdatedAt = now
	c.Version++
}

type op func(*memState) error

// MemoryRepository keeps carts in process memory with the same semantics as
// the Mongo repository. Transactions run against a private copy of the
// state and replay their writes on commit.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState

	txMu sync.Mutex

	// set only on transaction-scoped repositories
	parent *MemoryRepository
	log    []op
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

func (r *MemoryRepository) write(o op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := o(r.state); err != nil {
		return err
	}
	if r.parent != nil {
		r.log = append(r.log, o)
	}
	return nil
}

func (r *MemoryRepository) FindActive(_ context.Context, id domain.Identity) (*domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cartID, ok := r.state.active[id.Key()]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return r.state.carts[cartID].Clone(), nil
}

func (r *MemoryRepository) GetByID(_ context.Context, cartID string) (*domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.state.carts[cartID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) Create(_ context.Context, cart *domain.Cart) error {
	snapshot := cart.Clone()
	return r.write(func(s *memState) error { return s.create(snapshot) })
}

func (r *MemoryRepository) Save(_ context.Context, cart *domain.Cart) error {
	snapshot := cart.Clone()
	err := r.write(func(s *memState) error {
		// replay works on its own copy so the version check is repeated on commit
		return s.save(snapshot.Clone())
	})
	if err != nil {
		return err
	}
	cart.Version++
	return nil
}

func (r *MemoryRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]*domain.Cart, error) {
	return r.list(func(c *domain.Cart) bool {
		return c.IsOpen() && !c.ExpiresAt.After(now)
	}, func(c *domain.Cart) time.Time { return c.ExpiresAt }, limit), nil
}

func (r *MemoryRepository) ListIdle(_ context.Context, before time.Time, limit int) ([]*domain.Cart, error) {
	return r.list(func(c *domain.Cart) bool {
		return c.Status == domain.StatusActive && !c.LastActivityAt.After(before)
	}, func(c *domain.Cart) time.Time { return c.LastActivityAt }, limit), nil
}

func (r *MemoryRepository) list(match func(*domain.Cart) bool, sortKey func(*domain.Cart) time.Time, limit int) []*domain.Cart {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Cart
	for _, c := range r.state.carts {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Cart) int { return sortKey(a).Compare(sortKey(b)) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) ExpireIfDue(_ context.Context, cartID string, now time.Time) (bool, error) {
	var changed bool
	err := r.write(func(s *memState) error {
		changed = false
		c, ok := s.carts[cartID]
		if !ok || !c.IsOpen() || c.ExpiresAt.After(now) {
			return nil
		}
		s.setStatus(c, domain.StatusExpired, now)
		changed = true
		return nil
	})
	return changed, err
}

func (r *MemoryRepository) AbandonIfIdle(_ context.Context, cartID string, before, now time.Time) (bool, error) {
	var changed bool
	err := r.write(func(s *memState) error {
		changed = false
		c, ok := s.carts[cartID]
		if !ok || c.Status != domain.StatusActive || c.LastActivityAt.After(before) {
			return nil
		}
		s.setStatus(c, domain.StatusAbandoned, now)
		changed = true
		return nil
	})
	return changed, err
}

func (r *MemoryRepository) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx CartRepository) error) error {
	if r.parent != nil {
		// already inside a transaction
		return fn(ctx, r)
	}
	root := r

	root.txMu.Lock()
	defer root.txMu.Unlock()

	root.mu.RLock()
	tx := &MemoryRepository{state: root.state.clone(), parent: root}
	root.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	root.mu.Lock()
	defer root.mu.Unlock()
	next := root.state.clone()
	for _, o := range tx.log {
		if err := o(next); err != nil {
			return err
		}
	}
	root.state = next
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}
