package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/client"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/shopspring/decimal"
)

// Formatter writes command results as text or JSON.
type Formatter struct {
	Format string
	Writer io.Writer
}

type stateJSON struct {
	Session    sessionJSON      `json:"session"`
	Cart       *client.Snapshot `json:"cart"`
	Stale      bool             `json:"stale"`
	LastSyncAt string           `json:"last_sync_at,omitempty"`
}

type sessionJSON struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Guest     bool   `json:"guest"`
}

func (f *Formatter) State(info client.SessionInfo, s client.State) error {
	if f.Format == "json" {
		out := stateJSON{
			Session: sessionJSON{SessionID: info.SessionID, UserID: info.UserID, Guest: info.IsGuest},
			Cart:    s.Snapshot,
			Stale:   s.Stale,
		}
		if !s.LastSyncAt.IsZero() {
			out.LastSyncAt = s.LastSyncAt.Format(time.RFC3339)
		}
		return f.json(out)
	}

	who := "guest " + info.SessionID
	if !info.IsGuest {
		who = "user " + info.UserID
	}
	if s.Snapshot == nil || s.Snapshot.Cart == nil {
		fmt.Fprintf(f.Writer, "%s: no cart yet (service unreachable)\n", who)
		return nil
	}

	snap := s.Snapshot
	stale := ""
	if s.Stale {
		stale = " [offline, not synced]"
	}
	fmt.Fprintf(f.Writer, "cart %s (%s, %s)%s\n", snap.Cart.ID, snap.Cart.Status, who, stale)

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	for _, it := range snap.Cart.Items {
		name := it.Name
		if name == "" {
			name = fmt.Sprintf("product %d", it.ProductID)
		}
		if it.CustomLength != nil {
			name += " x " + it.CustomLength.String()
		}
		if it.IsGift {
			name += " (gift)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", it.ID, name, it.Quantity, money(it.TotalPrice))
	}
	tw.Flush()

	fmt.Fprintf(f.Writer, "subtotal  %s\n", money(snap.Subtotal))
	for _, c := range snap.Components {
		line := fmt.Sprintf("%-9s %s", c.Label(), money(c.Amount()))
		if d, ok := c.(pricing.Discount); ok && d.Note != "" {
			line += "  (" + d.Code + ": " + d.Note + ")"
		}
		fmt.Fprintln(f.Writer, line)
	}
	fmt.Fprintf(f.Writer, "total     %s %s\n", money(snap.FinalTotal), snap.Currency)
	if g := snap.Cart.Gift; g != nil {
		fmt.Fprintf(f.Writer, "gift for %s: %q wrap=%t\n", g.Recipient, g.Message, g.Wrap)
	}
	return nil
}

func (f *Formatter) Report(r *client.ValidationReport) error {
	if f.Format == "json" {
		return f.json(r)
	}
	if r.Valid {
		fmt.Fprintln(f.Writer, "cart is ready for checkout")
		return nil
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(f.Writer, "%s: %s\n", issue.Code, issue.Message)
	}
	return nil
}

// Error renders err. The returned error is what the command should exit
// with.
func (f *Formatter) Error(err error) error {
	if f.Format != "json" {
		return err
	}
	var apiErr *client.APIError
	resp := map[string]string{"error": err.Error()}
	if errors.As(err, &apiErr) {
		resp["code"] = apiErr.Code
		resp["error"] = apiErr.Message
	}
	if jerr := f.json(resp); jerr != nil {
		return jerr
	}
	return err
}

func (f *Formatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func money(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
