package domain

import (
	"slices"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/google/uuid"
)

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusAbandoned  Status = "ABANDONED"
	StatusExpired    Status = "EXPIRED"
	StatusCheckedOut Status = "CHECKED_OUT"
)

func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusCheckedOut
}

func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusActive:
		return to == StatusAbandoned || to == StatusExpired || to == StatusCheckedOut
	case StatusAbandoned:
		return to == StatusActive || to == StatusExpired || to == StatusCheckedOut
	default:
		return false
	}
}

// ExpirationPolicy holds the sliding expiration windows.
type ExpirationPolicy struct {
	GuestTTL     time.Duration `koanf:"guest_ttl"`
	UserTTL      time.Duration `koanf:"user_ttl"`
	AbandonAfter time.Duration `koanf:"abandon_after"`
}

func DefaultExpirationPolicy() ExpirationPolicy {
	return ExpirationPolicy{
		GuestTTL:     24 * time.Hour,
		UserTTL:      30 * 24 * time.Hour,
		AbandonAfter: 3 * time.Hour,
	}
}

func (p ExpirationPolicy) TTL(guest bool) time.Duration {
	if guest {
		return p.GuestTTL
	}
	return p.UserTTL
}

type Gift struct {
	Recipient string `bson:"recipient" json:"recipient"`
	Message   string `bson:"message" json:"message"`
	Wrap      bool   `bson:"wrap" json:"wrap"`
}

type Cart struct {
	ID                string     `bson:"_id" json:"id"`
	UserID            string     `bson:"user_id,omitempty" json:"user_id,omitempty"`
	SessionID         string     `bson:"session_id,omitempty" json:"session_id,omitempty"`
	DeviceFingerprint string     `bson:"device_fingerprint,omitempty" json:"device_fingerprint,omitempty"`
	Status            Status     `bson:"status" json:"status"`
	Items             []CartItem `bson:"items" json:"items"`
	DiscountCode      string     `bson:"discount_code,omitempty" json:"discount_code,omitempty"`
	DiscountAmount    int64      `bson:"discount_amount" json:"discount_amount_cents"`
	TaxAmount         int64      `bson:"tax_amount" json:"tax_amount_cents"`
	ShippingAmount    int64      `bson:"shipping_amount" json:"shipping_amount_cents"`
	Gift              *Gift      `bson:"gift,omitempty" json:"gift,omitempty"`
	Version           int64      `bson:"version" json:"version"`
	SupersededBy      string     `bson:"superseded_by,omitempty" json:"superseded_by,omitempty"`
	MergedFromSession string     `bson:"merged_from_session,omitempty" json:"merged_from_session,omitempty"`
	OrderID           string     `bson:"order_id,omitempty" json:"order_id,omitempty"`

	// ActiveKey is the identity key while the cart is open and empty otherwise.
	ActiveKey      string    `bson:"active_key,omitempty" json:"-"`
	ExpiresAt      time.Time `bson:"expires_at" json:"expires_at"`
	LastActivityAt time.Time `bson:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

type CartItem struct {
	ID           string           `bson:"id" json:"id"`
	ProductID    int64            `bson:"product_id" json:"product_id"`
	Name         string           `bson:"name,omitempty" json:"name,omitempty"`
	Quantity     int              `bson:"quantity" json:"quantity"`
	UnitPrice    int64            `bson:"unit_price" json:"unit_price_cents"`
	BasePrice    int64            `bson:"base_price" json:"base_price_cents"`
	TaxRate      pricing.Decimal  `bson:"tax_rate" json:"tax_rate"`
	TaxIncluded  bool             `bson:"tax_included" json:"tax_included"`
	TotalPrice   int64            `bson:"total_price" json:"total_price_cents"`
	CustomLength *pricing.Decimal `bson:"custom_length,omitempty" json:"custom_length,omitempty"`
	FixedHeight  *pricing.Decimal `bson:"fixed_height,omitempty" json:"fixed_height,omitempty"`
	IsGift       bool             `bson:"is_gift" json:"is_gift"`
	GiftMessage  string           `bson:"gift_message,omitempty" json:"gift_message,omitempty"`
	AddedAt      time.Time        `bson:"added_at" json:"added_at"`
}

// LineKey identifies a line: fixed-dimension products collapse on ProductID,
// variable-dimension products are distinguished by their length.
type LineKey struct {
	ProductID int64
	Length    string
}

func (it CartItem) Key() LineKey {
	k := LineKey{ProductID: it.ProductID}
	if it.CustomLength != nil {
		k.Length = it.CustomLength.String()
	}
	return k
}

func (it *CartItem) SetQuantity(q int) {
	it.Quantity = q
	it.TotalPrice = it.UnitPrice * int64(q)
}

// NewCart opens an ACTIVE cart for the identity.
func NewCart(id Identity, now time.Time, policy ExpirationPolicy) *Cart {
	return &Cart{
		ID:                uuid.NewString(),
		UserID:            id.UserID,
		SessionID:         sessionIfGuest(id),
		DeviceFingerprint: id.DeviceFingerprint,
		Status:            StatusActive,
		Items:             []CartItem{},
		ActiveKey:         id.Key(),
		ExpiresAt:         now.Add(policy.TTL(id.IsGuest())),
		LastActivityAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func sessionIfGuest(id Identity) string {
	if id.IsGuest() {
		return id.SessionID
	}
	return ""
}

func (c *Cart) Identity() Identity {
	return Identity{UserID: c.UserID, SessionID: c.SessionID, DeviceFingerprint: c.DeviceFingerprint}
}

func (c *Cart) IsGuest() bool { return c.UserID == "" }

func (c *Cart) IsOpen() bool {
	return c.Status == StatusActive || c.Status == StatusAbandoned
}

func (c *Cart) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// CheckMutable returns a ConflictError for carts in a terminal state.
func (c *Cart) CheckMutable() error {
	if c.Status.IsTerminal() {
		return &ConflictError{CartID: c.ID, Status: c.Status}
	}
	return nil
}

// Touch records activity and slides the expiration window. An ABANDONED
// cart becomes ACTIVE again.
func (c *Cart) Touch(now time.Time, policy ExpirationPolicy) {
	c.LastActivityAt = now
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(policy.TTL(c.IsGuest()))
	if c.Status == StatusAbandoned {
		c.Status = StatusActive
	}
}

func (c *Cart) FindItem(itemID string) (int, bool) {
	idx := slices.IndexFunc(c.Items, func(it CartItem) bool { return it.ID == itemID })
	return idx, idx >= 0
}

func (c *Cart) findKey(k LineKey) int {
	return slices.IndexFunc(c.Items, func(it CartItem) bool { return it.Key() == k })
}

// AddItem adds a line, or increases the quantity of the line with the same
// key. Gift flags of the incoming item overwrite the existing ones when set.
func (c *Cart) AddItem(item CartItem, now time.Time) (CartItem, error) {
	if err := c.CheckMutable(); err != nil {
		return CartItem{}, err
	}
	if item.Quantity <= 0 {
		return CartItem{}, ErrInvalidQuantity
	}

	if idx := c.findKey(item.Key()); idx >= 0 {
		existing := &c.Items[idx]
		existing.UnitPrice = item.UnitPrice
		existing.BasePrice = item.BasePrice
		existing.TaxRate = item.TaxRate
		existing.TaxIncluded = item.TaxIncluded
		existing.SetQuantity(existing.Quantity + item.Quantity)
		if item.IsGift {
			existing.IsGift = true
			existing.GiftMessage = item.GiftMessage
		}
		return *existing, nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.AddedAt = now
	item.SetQuantity(item.Quantity)
	c.Items = append(c.Items, item)
	return item, nil
}

// UpdateItemQuantity sets a line's quantity. Zero or less removes the line;
// an unknown item is left alone.
func (c *Cart) UpdateItemQuantity(itemID string, quantity int) error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	idx, ok := c.FindItem(itemID)
	if !ok {
		return nil
	}
	if quantity <= 0 {
		c.Items = slices.Delete(c.Items, idx, idx+1)
		return nil
	}
	c.Items[idx].SetQuantity(quantity)
	return nil
}

func (c *Cart) RemoveItem(itemID string) error {
	return c.UpdateItemQuantity(itemID, 0)
}

func (c *Cart) Clear() error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	c.Items = []CartItem{}
	return nil
}

func (c *Cart) SetDiscountCode(code string) error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	c.DiscountCode = code
	if code == "" {
		c.DiscountAmount = 0
	}
	return nil
}

func (c *Cart) SetGift(g *Gift) error {
	if err := c.CheckMutable(); err != nil {
		return err
	}
	c.Gift = g
	return nil
}

// Expire closes the cart. supersededBy is set when a merge absorbed it.
func (c *Cart) Expire(now time.Time, supersededBy string) {
	c.Status = StatusExpired
	c.ActiveKey = ""
	c.SupersededBy = supersededBy
	c.UpdatedAt = now
}

func (c *Cart) CheckOut(orderID string, now time.Time) error {
	if c.Status == StatusCheckedOut && c.OrderID == orderID {
		return nil
	}
	if !c.Status.CanTransitionTo(StatusCheckedOut) {
		return &ConflictError{CartID: c.ID, Status: c.Status}
	}
	c.Status = StatusCheckedOut
	c.OrderID = orderID
	c.ActiveKey = ""
	c.UpdatedAt = now
	return nil
}

// Rekey moves a guest cart to the authenticated user and applies the user
// expiration policy.
func (c *Cart) Rekey(userID string, now time.Time, policy ExpirationPolicy) {
	if c.IsGuest() {
		c.MergedFromSession = c.SessionID
	}
	c.UserID = userID
	c.SessionID = ""
	c.ActiveKey = UserIdentity(userID).Key()
	c.Touch(now, policy)
}

func (c *Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// Lines converts items for the calculator.
func (c *Cart) Lines() []pricing.Line {
	lines := make([]pricing.Line, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, pricing.Line{
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			BasePrice:   it.BasePrice,
			TaxRate:     it.TaxRate,
			TaxIncluded: it.TaxIncluded,
		})
	}
	return lines
}

// ApplyBreakdown stores the denormalized component amounts.
func (c *Cart) ApplyBreakdown(b pricing.Breakdown) {
	tax, shipping, discount, _ := b.Totals()
	c.TaxAmount = tax
	c.ShippingAmount = shipping
	c.DiscountAmount = -discount
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = make([]CartItem, len(c.Items))
	copy(out.Items, c.Items)
	for i := range out.Items {
		if l := c.Items[i].CustomLength; l != nil {
			v := *l
			out.Items[i].CustomLength = &v
		}
		if h := c.Items[i].FixedHeight; h != nil {
			v := *h
			out.Items[i].FixedHeight = &v
		}
	}
	if c.Gift != nil {
		g := *c.Gift
		out.Gift = &g
	}
	return &out
}
