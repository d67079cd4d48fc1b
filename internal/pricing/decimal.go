package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal is an exact decimal number used for tax rates and product dimensions.
// Money itself is always carried as int64 minor units.
type Decimal struct {
	d decimal.Decimal
}

func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{d: d}
}

func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// MustDecimal panics on malformed input. Intended for constants and tests.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) Decimal() decimal.Decimal { return d.d }

func (d Decimal) IsZero() bool { return d.d.IsZero() }

func (d Decimal) IsPositive() bool { return d.d.IsPositive() }

func (d Decimal) Equal(other Decimal) bool { return d.d.Equal(other.d) }

// String returns the canonical form with trailing zeros trimmed, so 1.50 and 1.5
// produce the same key.
func (d Decimal) String() string { return d.d.String() }

func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.d.String())
}

func (d *Decimal) UnmarshalJSON(data []byte) error {
	return d.d.UnmarshalJSON(data)
}

// roundCents rounds half away from zero to whole minor units.
func roundCents(v decimal.Decimal) int64 {
	return v.Round(0).IntPart()
}
