package pricing

import (
	"strings"
	"time"
)

// Rules are the business parameters the calculator needs. They come from
// configuration; nothing here is hardcoded into the calculation.
type Rules struct {
	Currency              string    `json:"currency" koanf:"currency"`
	FreeShippingThreshold int64     `json:"free_shipping_threshold_cents" koanf:"free_shipping_threshold_cents"`
	FlatShipping          int64     `json:"flat_shipping_cents" koanf:"flat_shipping_cents"`
	Fees                  []FeeRule `json:"fees,omitempty" koanf:"fees"`
}

// FeeRule is a named fixed fee. A positive WaiveAbove waives it once the
// subtotal reaches that amount.
type FeeRule struct {
	Name       string `json:"name" koanf:"name"`
	Cents      int64  `json:"cents" koanf:"cents"`
	WaiveAbove int64  `json:"waive_above_cents,omitempty" koanf:"waive_above_cents"`
}

// Promotion is a resolved discount code. Exactly one of Percent or FixedCents
// is expected to be set; Percent wins when both are.
type Promotion struct {
	Code        string    `json:"code"`
	Percent     Decimal   `json:"percent"`
	FixedCents  int64     `json:"fixed_cents"`
	MinSubtotal int64     `json:"min_subtotal_cents"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	Active      bool      `json:"active"`
}

// ValidAt reports whether the promotion can be applied at t.
func (p *Promotion) ValidAt(t time.Time) bool {
	if p == nil || !p.Active {
		return false
	}
	if !p.StartsAt.IsZero() && t.Before(p.StartsAt) {
		return false
	}
	if !p.EndsAt.IsZero() && !t.Before(p.EndsAt) {
		return false
	}
	return true
}

func DefaultRules() Rules {
	return Rules{
		Currency:              "USD",
		FreeShippingThreshold: 5000,
		FlatShipping:          599,
	}
}

// NormalizeCode is the canonical form discount codes are stored and looked
// up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
