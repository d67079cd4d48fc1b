package client

import (
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

// Snapshot mirrors the server's cart response body.
type Snapshot struct {
	Cart       *domain.Cart       `json:"cart"`
	Subtotal   int64              `json:"subtotal_cents"`
	Components pricing.Components `json:"components"`
	FinalTotal int64              `json:"final_total_cents"`
	Currency   string             `json:"currency"`
	ItemCount  int                `json:"item_count"`
}

// State is what the client knows about its cart. Stale is set whenever a
// change was applied locally without the server confirming it.
type State struct {
	Snapshot   *Snapshot
	Stale      bool
	LastSyncAt time.Time
}

type Action interface {
	isAction()
}

// Synced replaces the local state with a server snapshot.
type Synced struct {
	Snapshot *Snapshot
	At       time.Time
}

type ItemAdded struct {
	Item domain.CartItem
	At   time.Time
}

type QuantityUpdated struct {
	ItemID   string
	Quantity int
	At       time.Time
}

type ItemRemoved struct {
	ItemID string
	At     time.Time
}

type Cleared struct {
	At time.Time
}

// DiscountCodeSet sets or, with an empty code, removes the discount code.
type DiscountCodeSet struct {
	Code string
}

type GiftSet struct {
	Gift *domain.Gift
}

type Reset struct{}

// Started opens a provisional cart for the identity when the state holds no
// open one, so changes made before the first sync are not lost.
type Started struct {
	Identity domain.Identity
	Policy   domain.ExpirationPolicy
	At       time.Time
}

func (Synced) isAction()          {}
func (ItemAdded) isAction()       {}
func (QuantityUpdated) isAction() {}
func (ItemRemoved) isAction()     {}
func (Cleared) isAction()         {}
func (DiscountCodeSet) isAction() {}
func (GiftSet) isAction()         {}
func (Reset) isAction()           {}
func (Started) isAction()         {}

// Reduce applies a to s and returns the new state. It never mutates s. A
// change the cart rules reject leaves s as it was; use Transition to see
// why.
func Reduce(s State, a Action, rules pricing.Rules) State {
	next, err := Transition(s, a, rules)
	if err != nil {
		return s
	}
	return next
}

// Transition is Reduce reporting rejected changes. Local changes follow the
// server's cart rules and are priced with the same calculator; discount
// codes cannot be resolved offline and price as a zero discount until the
// next sync. Changes to a state without an open cart are ignored unless a
// Started action opened one first.
func Transition(s State, a Action, rules pricing.Rules) (State, error) {
	switch a := a.(type) {
	case Synced:
		return State{Snapshot: a.Snapshot, LastSyncAt: a.At}, nil
	case Reset:
		return State{}, nil
	case Started:
		if hasOpenCart(s, a.At) {
			return s, nil
		}
		cart := domain.NewCart(a.Identity, a.At, a.Policy)
		return State{
			Snapshot:   price(cart, rules, rules.Currency),
			Stale:      true,
			LastSyncAt: s.LastSyncAt,
		}, nil
	}

	if s.Snapshot == nil || s.Snapshot.Cart == nil || !s.Snapshot.Cart.IsOpen() {
		return s, nil
	}
	cart := s.Snapshot.Cart.Clone()

	var err error
	switch a := a.(type) {
	case ItemAdded:
		_, err = cart.AddItem(a.Item, a.At)
	case QuantityUpdated:
		err = cart.UpdateItemQuantity(a.ItemID, a.Quantity)
	case ItemRemoved:
		err = cart.RemoveItem(a.ItemID)
	case Cleared:
		err = cart.Clear()
	case DiscountCodeSet:
		err = cart.SetDiscountCode(a.Code)
	case GiftSet:
		err = cart.SetGift(a.Gift)
	}
	if err != nil {
		return s, err
	}

	return State{
		Snapshot:   price(cart, rules, s.Snapshot.Currency),
		Stale:      true,
		LastSyncAt: s.LastSyncAt,
	}, nil
}

func hasOpenCart(s State, now time.Time) bool {
	return s.Snapshot != nil && s.Snapshot.Cart != nil &&
		s.Snapshot.Cart.IsOpen() && !s.Snapshot.Cart.ExpiredAt(now)
}

func price(cart *domain.Cart, rules pricing.Rules, currency string) *Snapshot {
	b := pricing.Calculate(pricing.Input{
		Lines:                cart.Lines(),
		DiscountCode:         cart.DiscountCode,
		PromotionUnavailable: cart.DiscountCode != "",
	}, rules)
	cart.ApplyBreakdown(b)

	if b.Currency == "" {
		b.Currency = currency
	}
	return &Snapshot{
		Cart:       cart,
		Subtotal:   b.Subtotal,
		Components: b.Components,
		FinalTotal: b.FinalTotal,
		Currency:   b.Currency,
		ItemCount:  b.ItemCount,
	}
}
