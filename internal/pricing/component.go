package pricing

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindTax      Kind = "TAX"
	KindShipping Kind = "SHIPPING"
	KindDiscount Kind = "DISCOUNT"
	KindFee      Kind = "FEE"
)

// Component is one signed contribution to a cart's final total. The set of
// implementations is closed: Tax, Shipping, Discount and Fee.
type Component interface {
	Kind() Kind
	Label() string
	Amount() int64
	sealed()
}

type Tax struct {
	Name  string
	Cents int64
}

type Shipping struct {
	Name  string
	Cents int64
}

// Discount carries a non-positive amount. Note explains a zero discount
// (unknown code, expired, minimum not met).
type Discount struct {
	Name  string
	Code  string
	Cents int64
	Note  string
}

type Fee struct {
	Name  string
	Cents int64
}

func (Tax) Kind() Kind      { return KindTax }
func (Shipping) Kind() Kind { return KindShipping }
func (Discount) Kind() Kind { return KindDiscount }
func (Fee) Kind() Kind      { return KindFee }

func (t Tax) Label() string      { return t.Name }
func (s Shipping) Label() string { return s.Name }
func (d Discount) Label() string { return d.Name }
func (f Fee) Label() string      { return f.Name }

func (t Tax) Amount() int64      { return t.Cents }
func (s Shipping) Amount() int64 { return s.Cents }
func (d Discount) Amount() int64 { return d.Cents }
func (f Fee) Amount() int64      { return f.Cents }

func (Tax) sealed()      {}
func (Shipping) sealed() {}
func (Discount) sealed() {}
func (Fee) sealed()      {}

// Match dispatches on the concrete component type. Every variant needs a
// handler, so adding a variant breaks all call sites at compile time.
func Match[T any](
	c Component,
	onTax func(Tax) T,
	onShipping func(Shipping) T,
	onDiscount func(Discount) T,
	onFee func(Fee) T,
) T {
	switch v := c.(type) {
	case Tax:
		return onTax(v)
	case Shipping:
		return onShipping(v)
	case Discount:
		return onDiscount(v)
	case Fee:
		return onFee(v)
	}
	panic(fmt.Sprintf("pricing: unknown component %T", c))
}

// Components is the ordered list attached to a snapshot.
type Components []Component

type componentJSON struct {
	Type        Kind   `json:"type"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Code        string `json:"code,omitempty"`
	Note        string `json:"note,omitempty"`
}

func (cs Components) MarshalJSON() ([]byte, error) {
	out := make([]componentJSON, 0, len(cs))
	for _, c := range cs {
		out = append(out, Match(c,
			func(t Tax) componentJSON {
				return componentJSON{Type: KindTax, Name: t.Name, AmountCents: t.Cents}
			},
			func(s Shipping) componentJSON {
				return componentJSON{Type: KindShipping, Name: s.Name, AmountCents: s.Cents}
			},
			func(d Discount) componentJSON {
				return componentJSON{Type: KindDiscount, Name: d.Name, AmountCents: d.Cents, Code: d.Code, Note: d.Note}
			},
			func(f Fee) componentJSON {
				return componentJSON{Type: KindFee, Name: f.Name, AmountCents: f.Cents}
			},
		))
	}
	return json.Marshal(out)
}

func (cs *Components) UnmarshalJSON(data []byte) error {
	var raw []componentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Components, 0, len(raw))
	for _, r := range raw {
		switch r.Type {
		case KindTax:
			out = append(out, Tax{Name: r.Name, Cents: r.AmountCents})
		case KindShipping:
			out = append(out, Shipping{Name: r.Name, Cents: r.AmountCents})
		case KindDiscount:
			out = append(out, Discount{Name: r.Name, Code: r.Code, Cents: r.AmountCents, Note: r.Note})
		case KindFee:
			out = append(out, Fee{Name: r.Name, Cents: r.AmountCents})
		default:
			return fmt.Errorf("unknown component type %q", r.Type)
		}
	}
	*cs = out
	return nil
}
