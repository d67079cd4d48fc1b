package pricing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TaxLabel      = "Sales tax"
	ShippingLabel = "Shipping"
	DiscountLabel = "Discount"
)

var ErrMissingDimension = errors.New("variable-dimension product requires a custom length")

// Line is the calculator's view of a cart item.
type Line struct {
	ProductID   int64   `json:"product_id"`
	Quantity    int     `json:"quantity"`
	BasePrice   int64   `json:"base_price_cents"`
	TaxRate     Decimal `json:"tax_rate"`
	TaxIncluded bool    `json:"tax_included"`
}

// Input is everything a calculation depends on besides Rules. At is used only
// to check promotion validity, which keeps Calculate a pure function.
type Input struct {
	Lines        []Line
	DiscountCode string
	Promotion    *Promotion

	// PromotionUnavailable marks a failed code lookup; the discount degrades to zero.
	PromotionUnavailable bool
	At                   time.Time
}

type Breakdown struct {
	Currency   string     `json:"currency"`
	Subtotal   int64      `json:"subtotal_cents"`
	Components Components `json:"components"`
	FinalTotal int64      `json:"final_total_cents"`
	ItemCount  int        `json:"item_count"`
}

// Calculate derives the ordered payment components and the final total.
// Order: TAX, SHIPPING, FEE..., DISCOUNT.
func Calculate(in Input, rules Rules) Breakdown {
	var subtotal, tax int64
	var count int
	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			continue
		}
		lineBase := l.BasePrice * int64(l.Quantity)
		subtotal += lineBase
		count += l.Quantity
		if !l.TaxIncluded && !l.TaxRate.IsZero() {
			tax += roundCents(decimal.NewFromInt(lineBase).Mul(l.TaxRate.Decimal()))
		}
	}

	components := Components{
		Tax{Name: TaxLabel, Cents: tax},
		Shipping{Name: ShippingLabel, Cents: shippingFor(subtotal, count, rules)},
	}
	for _, f := range rules.Fees {
		if count == 0 {
			break
		}
		if f.WaiveAbove > 0 && subtotal >= f.WaiveAbove {
			continue
		}
		components = append(components, Fee{Name: f.Name, Cents: f.Cents})
	}
	if in.DiscountCode != "" {
		components = append(components, discountFor(in, subtotal))
	}

	final := subtotal
	for _, c := range components {
		final += c.Amount()
	}
	if final < 0 {
		final = 0
	}

	return Breakdown{
		Currency:   rules.Currency,
		Subtotal:   subtotal,
		Components: components,
		FinalTotal: final,
		ItemCount:  count,
	}
}

func shippingFor(subtotal int64, count int, rules Rules) int64 {
	if count == 0 {
		return 0
	}
	if subtotal >= rules.FreeShippingThreshold {
		return 0
	}
	return rules.FlatShipping
}

func discountFor(in Input, subtotal int64) Discount {
	d := Discount{Name: DiscountLabel, Code: in.DiscountCode}
	switch {
	case in.PromotionUnavailable:
		d.Note = "discount temporarily unavailable"
		return d
	case in.Promotion == nil:
		d.Note = "unknown code"
		return d
	case !in.Promotion.ValidAt(in.At):
		d.Note = "code expired or inactive"
		return d
	case subtotal < in.Promotion.MinSubtotal:
		d.Note = "minimum subtotal not met"
		return d
	}

	var off int64
	if in.Promotion.Percent.IsPositive() {
		off = roundCents(decimal.NewFromInt(subtotal).Mul(in.Promotion.Percent.Decimal()).Div(decimal.NewFromInt(100)))
	} else {
		off = in.Promotion.FixedCents
	}
	if off > subtotal {
		off = subtotal
	}
	if off < 0 {
		off = 0
	}
	d.Cents = -off
	return d
}

// Totals splits a breakdown back into per-kind sums.
func (b Breakdown) Totals() (tax, shipping, discount, fees int64) {
	for _, c := range b.Components {
		Match(c,
			func(t Tax) struct{} { tax += t.Cents; return struct{}{} },
			func(s Shipping) struct{} { shipping += s.Cents; return struct{}{} },
			func(d Discount) struct{} { discount += d.Cents; return struct{}{} },
			func(f Fee) struct{} { fees += f.Cents; return struct{}{} },
		)
	}
	return tax, shipping, discount, fees
}

// ProductPrice is the catalog pricing of a product.
type ProductPrice struct {
	BasePrice int64            `json:"base_price_cents"`
	TaxRate   Decimal          `json:"tax_rate"`
	Variable  *VariablePricing `json:"variable,omitempty"`
}

// VariablePricing prices a product by fixedHeight × customLength × ratePerUnit.
// TaxIncluded means the rate already embeds tax.
type VariablePricing struct {
	FixedHeight Decimal `json:"fixed_height"`
	RatePerUnit Decimal `json:"rate_per_unit_cents"`
	TaxIncluded bool    `json:"tax_included"`
}

type LinePrice struct {
	UnitPrice   int64
	BasePrice   int64
	TotalPrice  int64
	TaxRate     Decimal
	TaxIncluded bool
}

// PriceLine computes the stored prices of a cart line.
func PriceLine(p ProductPrice, quantity int, customLength *Decimal) (LinePrice, error) {
	lp := LinePrice{TaxRate: p.TaxRate, BasePrice: p.BasePrice}
	if p.Variable != nil {
		if customLength == nil || !customLength.IsPositive() {
			return LinePrice{}, ErrMissingDimension
		}
		area := p.Variable.FixedHeight.Decimal().Mul(customLength.Decimal())
		lp.BasePrice = roundCents(area.Mul(p.Variable.RatePerUnit.Decimal()))
		lp.TaxIncluded = p.Variable.TaxIncluded
	}

	lp.UnitPrice = lp.BasePrice
	if !lp.TaxIncluded && !lp.TaxRate.IsZero() {
		lp.UnitPrice += roundCents(decimal.NewFromInt(lp.BasePrice).Mul(lp.TaxRate.Decimal()))
	}
	lp.TotalPrice = lp.UnitPrice * int64(quantity)
	return lp, nil
}
