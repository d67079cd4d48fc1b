package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/sony/gobreaker/v2"
)

const DefaultTimeout = 5 * time.Second

// ErrUnavailable marks failures the cache falls back on: transport errors,
// timeouts, 5xx answers and an open circuit breaker.
var ErrUnavailable = errors.New("cart service unavailable")

// APIError is a 4xx answer from the cart service.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cart service: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCartClosed reports a 409 for a checked-out or expired cart.
func IsCartClosed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "cart_closed"
}

type AddItemRequest struct {
	ProductID    int64            `json:"product_id"`
	Quantity     int              `json:"quantity"`
	CustomLength *pricing.Decimal `json:"custom_length,omitempty"`
	IsGift       bool             `json:"is_gift,omitempty"`
	GiftMessage  string           `json:"gift_message,omitempty"`
}

type GiftRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Wrap      bool   `json:"wrap"`
}

type ValidationIssue struct {
	Code      string `json:"code"`
	ItemID    string `json:"item_id,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	Message   string `json:"message"`
	Current   int64  `json:"current_unit_price_cents,omitempty"`
}

type ValidationReport struct {
	Valid    bool              `json:"valid"`
	Issues   []ValidationIssue `json:"issues"`
	Snapshot *Snapshot         `json:"snapshot"`
}

type mergeResponse struct {
	Snapshot
	Outcome string `json:"merge_outcome"`
}

// API calls the cart HTTP endpoints with the identity headers of session.
type API struct {
	baseURL string
	session *SessionContext
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewAPI(baseURL string, session *SessionContext, timeout time.Duration, logger *slog.Logger) *API {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	settings := gobreaker.Settings{
		Name:        "cart-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// 4xx answers mean the service is up
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

func (a *API) GetCart(ctx context.Context) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodGet, "/cart", nil)
}

func (a *API) AddItem(ctx context.Context, req AddItemRequest) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodPost, "/cart/items", req)
}

func (a *API) UpdateQuantity(ctx context.Context, itemID string, quantity int) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodPut, "/cart/items/"+itemID, map[string]int{"quantity": quantity})
}

func (a *API) RemoveItem(ctx context.Context, itemID string) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodDelete, "/cart/items/"+itemID, nil)
}

func (a *API) Clear(ctx context.Context) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodDelete, "/cart", nil)
}

func (a *API) ApplyDiscount(ctx context.Context, code string) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodPut, "/cart/discount", map[string]string{"code": code})
}

func (a *API) RemoveDiscount(ctx context.Context) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodDelete, "/cart/discount", nil)
}

func (a *API) SetGift(ctx context.Context, gift GiftRequest) (*Snapshot, error) {
	return a.snapshot(ctx, http.MethodPut, "/cart/gift", gift)
}

func (a *API) Validate(ctx context.Context) (*ValidationReport, error) {
	body, err := a.call(ctx, http.MethodPost, "/cart/validate", nil)
	if err != nil {
		return nil, err
	}
	var report ValidationReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode validation report: %w", err)
	}
	return &report, nil
}

// Rules fetches the pricing rules the server prices carts with.
func (a *API) Rules(ctx context.Context) (pricing.Rules, error) {
	body, err := a.call(ctx, http.MethodGet, "/cart/rules", nil)
	if err != nil {
		return pricing.Rules{}, err
	}
	var r pricing.Rules
	if err := json.Unmarshal(body, &r); err != nil {
		return pricing.Rules{}, fmt.Errorf("decode rules: %w", err)
	}
	return r, nil
}

// Merge asks the server to fold the guest cart of sessionID into the
// authenticated user's cart.
func (a *API) Merge(ctx context.Context, sessionID, fingerprint string) (*Snapshot, string, error) {
	body, err := a.call(ctx, http.MethodPost, "/cart/merge", map[string]string{
		"session_id":         sessionID,
		"device_fingerprint": fingerprint,
	})
	if err != nil {
		return nil, "", err
	}
	var resp mergeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("decode merge response: %w", err)
	}
	return &resp.Snapshot, resp.Outcome, nil
}

func (a *API) snapshot(ctx context.Context, method, path string, in any) (*Snapshot, error) {
	body, err := a.call(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func (a *API) call(ctx context.Context, method, path string, in any) ([]byte, error) {
	body, err := a.breaker.Execute(func() ([]byte, error) {
		return a.do(ctx, method, path, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return body, err
}

func (a *API) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range a.session.Headers() {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}
