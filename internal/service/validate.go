package service

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
)

type IssueCode string

const (
	IssueProductNotFound    IssueCode = "PRODUCT_NOT_FOUND"
	IssueUnavailable        IssueCode = "UNAVAILABLE"
	IssueInsufficientStock  IssueCode = "INSUFFICIENT_STOCK"
	IssuePriceChanged       IssueCode = "PRICE_CHANGED"
	IssueCatalogUnavailable IssueCode = "CATALOG_UNAVAILABLE"
	IssueDiscountNotApplied IssueCode = "DISCOUNT_NOT_APPLIED"
)

type Issue struct {
	Code      IssueCode `json:"code"`
	ItemID    string    `json:"item_id,omitempty"`
	ProductID int64     `json:"product_id,omitempty"`
	Message   string    `json:"message"`

	// Current is the catalog unit price for PRICE_CHANGED issues.
	Current int64 `json:"current_unit_price_cents,omitempty"`
}

type ValidationReport struct {
	Valid    bool      `json:"valid"`
	Issues   []Issue   `json:"issues"`
	Snapshot *Snapshot `json:"snapshot"`
}

// Validate recomputes the cart totals and checks every line against the
// catalog. The cart is not modified.
func (s *CartService) Validate(ctx context.Context, id domain.Identity) (*ValidationReport, error) {
	snapshot, err := s.GetCart(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{Issues: []Issue{}, Snapshot: snapshot}
	for _, it := range snapshot.Cart.Items {
		if issue, ok := s.checkItem(ctx, it); ok {
			report.Issues = append(report.Issues, issue)
		}
	}

	for _, c := range snapshot.Components {
		if d, ok := c.(pricing.Discount); ok && d.Note != "" {
			report.Issues = append(report.Issues, Issue{Code: IssueDiscountNotApplied, Message: d.Note})
		}
	}

	report.Valid = len(report.Issues) == 0
	return report, nil
}

func (s *CartService) checkItem(ctx context.Context, it domain.CartItem) (Issue, bool) {
	issue := Issue{ItemID: it.ID, ProductID: it.ProductID}

	product, err := s.catalog.GetProduct(ctx, it.ProductID)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		issue.Code, issue.Message = IssueProductNotFound, "product no longer exists"
		return issue, true
	case err != nil:
		s.logger.WarnContext(ctx, "catalog lookup failed", "product_id", it.ProductID, "error", err)
		issue.Code, issue.Message = IssueCatalogUnavailable, "product could not be checked"
		return issue, true
	case !product.Available:
		issue.Code, issue.Message = IssueUnavailable, "product is unavailable"
		return issue, true
	case product.Stock < it.Quantity:
		issue.Code, issue.Message = IssueInsufficientStock, "not enough stock"
		return issue, true
	}

	price, err := product.Price()
	if err != nil {
		issue.Code, issue.Message = IssueCatalogUnavailable, "product price is invalid"
		return issue, true
	}
	line, err := pricing.PriceLine(price, it.Quantity, it.CustomLength)
	if err != nil {
		issue.Code, issue.Message = IssuePriceChanged, err.Error()
		return issue, true
	}
	if line.UnitPrice != it.UnitPrice {
		issue.Code, issue.Message, issue.Current = IssuePriceChanged, "price changed since the item was added", line.UnitPrice
		return issue, true
	}
	return Issue{}, false
}
