package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"golang.org/x/sync/singleflight"
)

// Transport is implemented by *API.
type Transport interface {
	GetCart(ctx context.Context) (*Snapshot, error)
	AddItem(ctx context.Context, req AddItemRequest) (*Snapshot, error)
	UpdateQuantity(ctx context.Context, itemID string, quantity int) (*Snapshot, error)
	RemoveItem(ctx context.Context, itemID string) (*Snapshot, error)
	Clear(ctx context.Context) (*Snapshot, error)
	ApplyDiscount(ctx context.Context, code string) (*Snapshot, error)
	RemoveDiscount(ctx context.Context) (*Snapshot, error)
	SetGift(ctx context.Context, gift GiftRequest) (*Snapshot, error)
	Validate(ctx context.Context) (*ValidationReport, error)
	Merge(ctx context.Context, sessionID, fingerprint string) (*Snapshot, string, error)
	Rules(ctx context.Context) (pricing.Rules, error)
}

// CartStore is implemented by *LocalStore.
type CartStore interface {
	LoadCart(ctx context.Context, now time.Time) (*CartDescriptor, error)
	SaveCart(ctx context.Context, d CartDescriptor) error
	DeleteCart(ctx context.Context) error
	LoadPendingMerge(ctx context.Context) (*PendingMerge, error)
	SavePendingMerge(ctx context.Context, p PendingMerge) error
	DeletePendingMerge(ctx context.Context) error
	LoadRules(ctx context.Context) (*pricing.Rules, error)
	SaveRules(ctx context.Context, r pricing.Rules, fetchedAt time.Time) error
}

// Options.Rules price offline changes until rules are read from the store
// or fetched from the server. Zero rules mean pricing.DefaultRules.
type Options struct {
	Rules pricing.Rules
	Now   func() time.Time
}

// Client is the device's cart. Every change goes to the server first; when
// the server cannot be reached the change is applied locally and the state
// is marked stale until the next successful call, whose answer wins.
type Client struct {
	mu      sync.Mutex
	api     Transport
	session *SessionContext
	store   CartStore
	rules   pricing.Rules
	logger  *slog.Logger
	now     func() time.Time
	sfg     singleflight.Group

	state State

	// restored is set once the pending merge and cached rules were read
	// from the store.
	restored    bool
	rulesSynced bool

	// set after Login until the server confirmed the merge
	pendingMerge *PendingMerge
	mergedUser   string
}

// NewClient wires the cache. store may be nil, in which case a deferred
// merge does not survive a restart.
func NewClient(api Transport, session *SessionContext, store CartStore, logger *slog.Logger, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rules.Currency == "" {
		opts.Rules = pricing.DefaultRules()
	}
	return &Client{
		api:     api,
		session: session,
		store:   store,
		rules:   opts.Rules,
		logger:  logger,
		now:     opts.Now,
	}
}

// State returns the current cart state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Load restores the persisted guest cart of the current session, then
// refreshes from the server.
func (c *Client) Load(ctx context.Context) State {
	c.mu.Lock()
	c.restoreLocked(ctx)
	info := c.session.Info()
	if c.store != nil && info.IsGuest {
		d, err := c.store.LoadCart(ctx, c.now())
		switch {
		case err == nil && d.SessionID == info.SessionID:
			var s Snapshot
			if err := json.Unmarshal(d.Snapshot, &s); err != nil {
				c.logger.WarnContext(ctx, "discarding unreadable local cart", "error", err)
			} else {
				c.state = State{Snapshot: &s, Stale: true, LastSyncAt: d.LastSyncAt}
			}
		case err != nil && !errors.Is(err, ErrNoRecord):
			c.logger.WarnContext(ctx, "could not load local cart", "error", err)
		}
	}
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Refresh fetches the server cart. Concurrent calls share one request. When
// the server is unreachable the current state is returned marked stale.
func (c *Client) Refresh(ctx context.Context) State {
	v, _, _ := c.sfg.Do("refresh", func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.refreshLocked(ctx), nil
	})
	return v.(State)
}

func (c *Client) refreshLocked(ctx context.Context) State {
	c.restoreLocked(ctx)
	if c.pendingMerge != nil {
		c.mergeLocked(ctx)
		if c.pendingMerge == nil {
			return c.state
		}
	}

	s, err := c.api.GetCart(ctx)
	if err != nil {
		c.logger.DebugContext(ctx, "cart refresh failed", "error", err)
		if c.state.Snapshot != nil {
			c.state.Stale = true
		}
		return c.state
	}
	c.syncedLocked(ctx, s)
	return c.state
}

// AddItem adds a line. price is used only to price the line offline; when
// nil, the price of an existing line with the same key is reused.
func (c *Client) AddItem(ctx context.Context, req AddItemRequest, price *pricing.ProductPrice) (State, error) {
	return c.mutate(ctx,
		func(ctx context.Context) (*Snapshot, error) { return c.api.AddItem(ctx, req) },
		func() (Action, error) {
			item, err := c.localItem(req, price)
			if err != nil {
				return nil, err
			}
			return ItemAdded{Item: item, At: c.now()}, nil
		})
}

func (c *Client) UpdateQuantity(ctx context.Context, itemID string, quantity int) (State, error) {
	return c.mutate(ctx,
		func(ctx context.Context) (*Snapshot, error) { return c.api.UpdateQuantity(ctx, itemID, quantity) },
		func() (Action, error) { return QuantityUpdated{ItemID: itemID, Quantity: quantity, At: c.now()}, nil })
}

func (c *Client) RemoveItem(ctx context.Context, itemID string) (State, error) {
	return c.mutate(ctx,
		func(ctx context.Context) (*Snapshot, error) { return c.api.RemoveItem(ctx, itemID) },
		func() (Action, error) { return ItemRemoved{ItemID: itemID, At: c.now()}, nil })
}

func (c *Client) Clear(ctx context.Context) (State, error) {
	return c.mutate(ctx,
		c.api.Clear,
		func() (Action, error) { return Cleared{At: c.now()}, nil })
}

func (c *Client) ApplyDiscount(ctx context.Context, code string) (State, error) {
	return c.mutate(ctx,
		func(ctx context.Context) (*Snapshot, error) { return c.api.ApplyDiscount(ctx, code) },
		func() (Action, error) { return DiscountCodeSet{Code: pricing.NormalizeCode(code)}, nil })
}

func (c *Client) RemoveDiscount(ctx context.Context) (State, error) {
	return c.mutate(ctx,
		c.api.RemoveDiscount,
		func() (Action, error) { return DiscountCodeSet{}, nil })
}

func (c *Client) SetGift(ctx context.Context, gift GiftRequest) (State, error) {
	return c.mutate(ctx,
		func(ctx context.Context) (*Snapshot, error) { return c.api.SetGift(ctx, gift) },
		func() (Action, error) {
			if gift == (GiftRequest{}) {
				return GiftSet{}, nil
			}
			return GiftSet{Gift: &domain.Gift{Recipient: gift.Recipient, Message: gift.Message, Wrap: gift.Wrap}}, nil
		})
}

// Validate needs the server; it has no offline answer.
func (c *Client) Validate(ctx context.Context) (*ValidationReport, error) {
	return c.api.Validate(ctx)
}

// Login authenticates the session and merges the guest cart into the
// user's cart. The merge is requested once per login; if the server is
// unreachable it is retried on the next refresh.
func (c *Client) Login(ctx context.Context, userID, token string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.restoreLocked(ctx)
	before := c.session.Info()
	c.session.Authenticate(ctx, userID, token)
	if c.mergedUser == userID && c.pendingMerge == nil {
		return c.state
	}

	c.pendingMerge = &PendingMerge{
		UserID:            userID,
		SessionID:         before.SessionID,
		DeviceFingerprint: before.DeviceFingerprint,
		CreatedAt:         c.now(),
	}
	c.mergedUser = userID
	if c.store != nil {
		if err := c.store.SavePendingMerge(ctx, *c.pendingMerge); err != nil {
			c.logger.WarnContext(ctx, "could not persist pending merge", "error", err)
		}
	}
	c.mergeLocked(ctx)
	if c.pendingMerge != nil {
		// still the guest snapshot; not the user's cart yet
		c.state.Stale = true
	}
	return c.state
}

func (c *Client) mergeLocked(ctx context.Context) {
	guest := c.pendingMerge
	s, outcome, err := c.api.Merge(ctx, guest.SessionID, guest.DeviceFingerprint)
	if errors.Is(err, ErrUnavailable) {
		c.logger.InfoContext(ctx, "merge deferred, server unavailable", "error", err)
		return
	}
	c.dropPendingMerge(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "merge rejected", "error", err)
		return
	}
	c.logger.DebugContext(ctx, "guest cart merged", "outcome", outcome)
	c.syncedLocked(ctx, s)
}

// restoreLocked reads what an earlier process left in the store: a merge
// requested at login that the server never confirmed, and the last pricing
// rules fetched. A pending merge is kept only while the session is still
// authenticated as the same user.
func (c *Client) restoreLocked(ctx context.Context) {
	if c.restored {
		return
	}
	c.restored = true
	if c.store == nil {
		return
	}

	r, err := c.store.LoadRules(ctx)
	switch {
	case err == nil:
		c.rules = *r
	case !errors.Is(err, ErrNoRecord):
		c.logger.WarnContext(ctx, "could not load cached pricing rules", "error", err)
	}

	p, err := c.store.LoadPendingMerge(ctx)
	switch {
	case err == nil:
		info := c.session.Info()
		if info.IsGuest || info.UserID != p.UserID {
			c.dropPendingMerge(ctx)
			return
		}
		c.pendingMerge = p
		c.mergedUser = p.UserID
	case !errors.Is(err, ErrNoRecord):
		c.logger.WarnContext(ctx, "could not load pending merge", "error", err)
	}
}

func (c *Client) dropPendingMerge(ctx context.Context) {
	c.pendingMerge = nil
	if c.store == nil {
		return
	}
	if err := c.store.DeletePendingMerge(ctx); err != nil {
		c.logger.WarnContext(ctx, "could not drop pending merge", "error", err)
	}
}

// syncedLocked applies a server snapshot and, once per client, fetches the
// pricing rules offline changes are priced with.
func (c *Client) syncedLocked(ctx context.Context, s *Snapshot) {
	c.apply(ctx, Synced{Snapshot: s, At: c.now()})
	if c.rulesSynced {
		return
	}

	r, err := c.api.Rules(ctx)
	if err != nil {
		c.logger.DebugContext(ctx, "pricing rules fetch failed", "error", err)
		// a server without the endpoint is not asked again
		c.rulesSynced = !errors.Is(err, ErrUnavailable)
		return
	}
	c.rules = r
	c.rulesSynced = true
	if c.store != nil {
		if err := c.store.SaveRules(ctx, r, c.now()); err != nil {
			c.logger.WarnContext(ctx, "could not cache pricing rules", "error", err)
		}
	}
}

// Logout returns to guest mode on the same session and drops the
// authenticated snapshot.
func (c *Client) Logout(ctx context.Context) State {
	c.mu.Lock()
	c.restoreLocked(ctx)
	c.session.Logout(ctx)
	c.dropPendingMerge(ctx)
	c.mergedUser = ""
	c.apply(ctx, Reset{})
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Reset starts over with a new guest session.
func (c *Client) Reset(ctx context.Context) State {
	c.mu.Lock()
	c.restoreLocked(ctx)
	c.session.Reset(ctx)
	c.dropPendingMerge(ctx)
	c.mergedUser = ""
	c.apply(ctx, Reset{})
	c.mu.Unlock()

	return c.Refresh(ctx)
}

func (c *Client) mutate(ctx context.Context, remote func(context.Context) (*Snapshot, error), local func() (Action, error)) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.restoreLocked(ctx)
	if c.pendingMerge != nil {
		c.mergeLocked(ctx)
	}

	s, err := remote(ctx)
	if IsCartClosed(err) {
		// the server opens a new cart for the next request
		s, err = remote(ctx)
	}
	switch {
	case err == nil:
		c.syncedLocked(ctx, s)
		return c.state, nil
	case !errors.Is(err, ErrUnavailable):
		return c.state, err
	}

	c.logger.InfoContext(ctx, "cart service unavailable, applying change locally", "error", err)
	action, lerr := local()
	if lerr != nil {
		return c.state, lerr
	}
	// nothing synced yet, or the server closed the cart we knew about
	seeded := Reduce(c.state, c.started(), c.rules)
	next, lerr := Transition(seeded, action, c.rules)
	if lerr != nil {
		return c.state, lerr
	}
	c.state = next
	c.persist(ctx)
	return c.state, nil
}

func (c *Client) started() Started {
	info := c.session.Info()
	id := domain.UserIdentity(info.UserID)
	if info.IsGuest {
		id = domain.GuestIdentity(info.SessionID, info.DeviceFingerprint)
	}
	return Started{Identity: id, Policy: domain.DefaultExpirationPolicy(), At: c.now()}
}

func (c *Client) localItem(req AddItemRequest, price *pricing.ProductPrice) (domain.CartItem, error) {
	item := domain.CartItem{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		CustomLength: req.CustomLength,
		IsGift:       req.IsGift,
		GiftMessage:  req.GiftMessage,
	}

	if price == nil {
		if c.state.Snapshot != nil && c.state.Snapshot.Cart != nil {
			for _, it := range c.state.Snapshot.Cart.Items {
				if it.Key() == item.Key() {
					item.Name = it.Name
					item.UnitPrice, item.BasePrice = it.UnitPrice, it.BasePrice
					item.TaxRate, item.TaxIncluded = it.TaxRate, it.TaxIncluded
					item.FixedHeight = it.FixedHeight
					return item, nil
				}
			}
		}
		// unpriced until the server answers
		return item, nil
	}

	line, err := pricing.PriceLine(*price, req.Quantity, req.CustomLength)
	if err != nil {
		return domain.CartItem{}, err
	}
	item.UnitPrice, item.BasePrice = line.UnitPrice, line.BasePrice
	item.TaxRate, item.TaxIncluded = line.TaxRate, line.TaxIncluded
	if price.Variable != nil {
		h := price.Variable.FixedHeight
		item.FixedHeight = &h
	}
	return item, nil
}

// apply must be called with mu held.
func (c *Client) apply(ctx context.Context, a Action) {
	c.state = Reduce(c.state, a, c.rules)
	c.persist(ctx)
}

// persist keeps guest snapshots on disk. Authenticated carts are never
// written locally.
func (c *Client) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	info := c.session.Info()
	s := c.state.Snapshot
	if !info.IsGuest || s == nil || s.Cart == nil {
		if err := c.store.DeleteCart(ctx); err != nil {
			c.logger.WarnContext(ctx, "could not drop local cart", "error", err)
		}
		return
	}

	payload, err := json.Marshal(s)
	if err != nil {
		c.logger.WarnContext(ctx, "could not encode local cart", "error", err)
		return
	}
	err = c.store.SaveCart(ctx, CartDescriptor{
		CartID:     s.Cart.ID,
		SessionID:  info.SessionID,
		ExpiresAt:  s.Cart.ExpiresAt,
		ItemCount:  s.ItemCount,
		LastSyncAt: c.state.LastSyncAt,
		Snapshot:   payload,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "could not persist local cart", "error", err)
	}
}
