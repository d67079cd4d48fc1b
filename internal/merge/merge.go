// Package merge folds a guest cart into the cart of the user who just
// logged in on the same device.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/lock"
	"github.com/fjod/go_cart/cart-core/internal/publisher"
	"github.com/fjod/go_cart/cart-core/internal/repository"
	"github.com/fjod/go_cart/cart-core/internal/service"
)

type Outcome string

const (
	// OutcomeCreated means neither cart existed and an empty user cart was made.
	OutcomeCreated Outcome = "created"
	// OutcomeUnchanged means there was no guest cart to fold in.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeRekeyed means the guest cart was handed over to the user.
	OutcomeRekeyed Outcome = "rekeyed"
	// OutcomeMerged means guest lines were folded into the existing user cart.
	OutcomeMerged Outcome = "merged"
	// OutcomeFallback means the merge failed and the user cart was served as is.
	OutcomeFallback Outcome = "fallback"
)

type Result struct {
	Snapshot *service.Snapshot
	Outcome  Outcome
	// GuestCartID is the guest cart that was rekeyed or absorbed, if any.
	GuestCartID string
}

type Engine struct {
	svc    *service.CartService
	events publisher.Publisher
	logger *slog.Logger

	// beforeSwap runs after both carts are resolved and before anything is
	// written. Tests use it to inject failures.
	beforeSwap func(guest, user *domain.Cart) error
}

func NewEngine(svc *service.CartService, events publisher.Publisher, logger *slog.Logger) *Engine {
	if events == nil {
		events = publisher.LogPublisher{Logger: logger}
	}
	return &Engine{svc: svc, events: events, logger: logger}
}

// Merge reconciles the guest cart of (sessionID, fingerprint) with the cart
// of userID. A failed merge never surfaces: it is logged, reported as a
// cart.merge_failed event, and the user's own cart is returned instead.
func (e *Engine) Merge(ctx context.Context, sessionID, fingerprint, userID string) (*Result, error) {
	user := domain.UserIdentity(userID)
	if err := user.Validate(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		snapshot, err := e.svc.GetCart(ctx, user)
		if err != nil {
			return nil, err
		}
		return &Result{Snapshot: snapshot, Outcome: OutcomeUnchanged}, nil
	}
	guest := domain.GuestIdentity(sessionID, fingerprint)

	res, guestCartID, err := e.mergeLocked(ctx, guest, user)
	if err == nil {
		e.svc.InvalidateCache(guest.Key())
		e.svc.InvalidateCache(user.Key())
		if res.Outcome == OutcomeRekeyed || res.Outcome == OutcomeMerged {
			e.publish(ctx, publisher.Event{
				Type:         publisher.EventCartMerged,
				CartID:       res.GuestCartID,
				UserID:       userID,
				SessionID:    sessionID,
				SupersededBy: res.Snapshot.Cart.ID,
			})
		}
		e.logger.InfoContext(ctx, "cart merge finished",
			"user_id", userID, "session_id", sessionID,
			"outcome", res.Outcome, "cart_id", res.Snapshot.Cart.ID)
		return res, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	err = fmt.Errorf("%w: %w", domain.ErrMergeFailed, err)
	e.logger.ErrorContext(ctx, "cart merge failed, serving user cart",
		"user_id", userID, "session_id", sessionID, "guest_cart_id", guestCartID, "error", err)
	e.publish(ctx, publisher.Event{
		Type:      publisher.EventCartMergeFailed,
		CartID:    guestCartID,
		UserID:    userID,
		SessionID: sessionID,
		Reason:    err.Error(),
	})

	snapshot, ferr := e.svc.GetCart(ctx, user)
	if ferr != nil {
		return nil, ferr
	}
	return &Result{Snapshot: snapshot, Outcome: OutcomeFallback, GuestCartID: guestCartID}, nil
}

// mergeLocked runs the swap under both identity locks in one transaction.
// The guest cart id is returned even on failure, for reconciliation.
func (e *Engine) mergeLocked(ctx context.Context, guest, user domain.Identity) (*Result, string, error) {
	unlock, err := lock.LockAll(ctx, e.svc.Locker(), guest.Key(), user.Key())
	if err != nil {
		return nil, "", fmt.Errorf("lock identities: %w", err)
	}
	defer unlock()

	var (
		res         *Result
		guestCartID string
		deferred    service.Deferred
	)
	err = e.svc.Repo().RunInTransaction(ctx, func(ctx context.Context, tx repository.CartRepository) error {
		deferred.Reset()
		r, id, err := e.swap(ctx, tx, guest, user, &deferred)
		res, guestCartID = r, id
		return err
	})
	if err != nil {
		return nil, guestCartID, err
	}
	e.svc.NotifyDeferred(ctx, &deferred)
	return res, guestCartID, nil
}

func (e *Engine) swap(ctx context.Context, tx repository.CartRepository, guest, user domain.Identity, d *service.Deferred) (*Result, string, error) {
	guestCart, err := e.findOpen(ctx, tx, guest, d)
	if err != nil {
		return nil, "", fmt.Errorf("resolve guest cart: %w", err)
	}
	var guestCartID string
	if guestCart != nil {
		guestCartID = guestCart.ID
	}
	userCart, err := e.findOpen(ctx, tx, user, d)
	if err != nil {
		return nil, guestCartID, fmt.Errorf("resolve user cart: %w", err)
	}

	if e.beforeSwap != nil {
		if err := e.beforeSwap(guestCart, userCart); err != nil {
			return nil, guestCartID, err
		}
	}

	now := e.svc.Now()
	switch {
	case guestCart == nil && userCart == nil:
		created, err := e.svc.Resolve(ctx, tx, user, d)
		if err != nil {
			return nil, "", err
		}
		return &Result{Snapshot: e.svc.Price(ctx, created), Outcome: OutcomeCreated}, "", nil

	case guestCart == nil:
		return &Result{Snapshot: e.svc.Price(ctx, userCart), Outcome: OutcomeUnchanged}, "", nil

	case userCart == nil:
		guestCart.Rekey(user.UserID, now, e.svc.Policy())
		snapshot := e.svc.Price(ctx, guestCart)
		if err := tx.Save(ctx, guestCart); err != nil {
			return nil, guestCartID, fmt.Errorf("rekey guest cart: %w", err)
		}
		return &Result{Snapshot: snapshot, Outcome: OutcomeRekeyed, GuestCartID: guestCartID}, guestCartID, nil
	}

	absorb(userCart, guestCart)
	userCart.Touch(now, e.svc.Policy())
	snapshot := e.svc.Price(ctx, userCart)

	guestCart.Expire(now, userCart.ID)
	if err := tx.Save(ctx, guestCart); err != nil {
		return nil, guestCartID, fmt.Errorf("expire guest cart: %w", err)
	}
	if err := tx.Save(ctx, userCart); err != nil {
		return nil, guestCartID, fmt.Errorf("save user cart: %w", err)
	}
	return &Result{Snapshot: snapshot, Outcome: OutcomeMerged, GuestCartID: guestCartID}, guestCartID, nil
}

func (e *Engine) findOpen(ctx context.Context, tx repository.CartRepository, id domain.Identity, d *service.Deferred) (*domain.Cart, error) {
	c, err := e.svc.FindOpen(ctx, tx, id, d)
	if errors.Is(err, domain.ErrCartNotFound) {
		return nil, nil
	}
	return c, err
}

// absorb folds the lines of src into dst. Lines with the same key have their
// quantities summed, dst keeps its prices, and a gift flag set on either
// side survives. Cart-level discount code and gift come from dst unless it
// has none.
func absorb(dst, src *domain.Cart) {
	for _, it := range src.Items {
		idx := slices.IndexFunc(dst.Items, func(d domain.CartItem) bool { return d.Key() == it.Key() })
		if idx < 0 {
			dst.Items = append(dst.Items, it)
			continue
		}
		line := &dst.Items[idx]
		line.SetQuantity(line.Quantity + it.Quantity)
		line.IsGift = line.IsGift || it.IsGift
		if line.GiftMessage == "" {
			line.GiftMessage = it.GiftMessage
		}
	}

	if dst.DiscountCode == "" {
		dst.DiscountCode = src.DiscountCode
	}
	if dst.Gift == nil && src.Gift != nil {
		g := *src.Gift
		dst.Gift = &g
	}
	if dst.DeviceFingerprint == "" {
		dst.DeviceFingerprint = src.DeviceFingerprint
	}
	dst.MergedFromSession = src.SessionID
}

func (e *Engine) publish(ctx context.Context, ev publisher.Event) {
	ev.OccurredAt = e.svc.Now()
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish merge event failed", "type", ev.Type, "error", err)
	}
}
