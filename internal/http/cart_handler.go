package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/merge"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/fjod/go_cart/cart-core/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// CartService is the part of service.CartService the handlers call.
type CartService interface {
	GetCart(ctx context.Context, id domain.Identity) (*service.Snapshot, error)
	AddItem(ctx context.Context, id domain.Identity, in service.AddItemInput) (*service.Snapshot, error)
	UpdateItemQuantity(ctx context.Context, id domain.Identity, itemID string, quantity int) (*service.Snapshot, error)
	RemoveItem(ctx context.Context, id domain.Identity, itemID string) (*service.Snapshot, error)
	Clear(ctx context.Context, id domain.Identity) (*service.Snapshot, error)
	ApplyDiscountCode(ctx context.Context, id domain.Identity, code string) (*service.Snapshot, error)
	RemoveDiscountCode(ctx context.Context, id domain.Identity) (*service.Snapshot, error)
	SetGift(ctx context.Context, id domain.Identity, gift *domain.Gift) (*service.Snapshot, error)
	Validate(ctx context.Context, id domain.Identity) (*service.ValidationReport, error)
	Rules() pricing.Rules
}

type Merger interface {
	Merge(ctx context.Context, sessionID, fingerprint, userID string) (*merge.Result, error)
}

type CartHandler struct {
	carts    CartService
	merger   Merger
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCartHandler(carts CartService, merger Merger, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		merger:   merger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type AddItemRequestDTO struct {
	ProductID    int64            `json:"product_id" validate:"required,gt=0"`
	Quantity     int              `json:"quantity" validate:"required,gt=0,lte=99"`
	CustomLength *pricing.Decimal `json:"custom_length,omitempty"`
	IsGift       bool             `json:"is_gift"`
	GiftMessage  string           `json:"gift_message" validate:"max=500"`
}

type UpdateQuantityRequestDTO struct {
	// zero or less removes the item
	Quantity *int `json:"quantity" validate:"required,lte=99"`
}

type MergeRequestDTO struct {
	SessionID         string `json:"session_id" validate:"required,max=128"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"max=128"`
}

type DiscountRequestDTO struct {
	Code string `json:"code" validate:"required,max=64"`
}

type GiftRequestDTO struct {
	Recipient string `json:"recipient" validate:"max=120"`
	Message   string `json:"message" validate:"max=500"`
	Wrap      bool   `json:"wrap"`
}

type MergeResponseDTO struct {
	*service.Snapshot
	Outcome merge.Outcome `json:"merge_outcome"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	snapshot, err := h.carts.GetCart(r.Context(), id)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

// GetRules returns the pricing rules carts are priced with, so clients can
// price offline changes the same way.
func (h *CartHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.carts.Rules())
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	if req.CustomLength != nil && !req.CustomLength.IsPositive() {
		respondError(w, http.StatusBadRequest, "invalid_dimension", "custom_length must be positive")
		return
	}

	snapshot, err := h.carts.AddItem(r.Context(), id, service.AddItemInput{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		CustomLength: req.CustomLength,
		IsGift:       req.IsGift,
		GiftMessage:  req.GiftMessage,
	})
	h.respondSnapshot(w, r, http.StatusCreated, snapshot, err)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	snapshot, err := h.carts.UpdateItemQuantity(r.Context(), id, chi.URLParam(r, "itemID"), *req.Quantity)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	snapshot, err := h.carts.RemoveItem(r.Context(), id, chi.URLParam(r, "itemID"))
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	snapshot, err := h.carts.Clear(r.Context(), id)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req DiscountRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	snapshot, err := h.carts.ApplyDiscountCode(r.Context(), id, req.Code)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	snapshot, err := h.carts.RemoveDiscountCode(r.Context(), id)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) SetGift(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req GiftRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	var gift *domain.Gift
	if req.Recipient != "" || req.Message != "" || req.Wrap {
		gift = &domain.Gift{Recipient: req.Recipient, Message: req.Message, Wrap: req.Wrap}
	}
	snapshot, err := h.carts.SetGift(r.Context(), id, gift)
	h.respondSnapshot(w, r, http.StatusOK, snapshot, err)
}

func (h *CartHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	report, err := h.carts.Validate(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Merge folds the guest cart named in the body into the caller's cart.
// The route requires a bearer token.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req MergeRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.merger.Merge(r.Context(), req.SessionID, req.DeviceFingerprint, id.UserID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, MergeResponseDTO{Snapshot: res.Snapshot, Outcome: res.Outcome})
}

func (h *CartHandler) identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusBadRequest, "identity_unresolved", "missing session identity")
		return domain.Identity{}, false
	}
	return id, true
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "request validation failed",
			Code:    "invalid_request",
			Details: err.Error(),
		})
		return false
	}
	return true
}

func (h *CartHandler) respondSnapshot(w http.ResponseWriter, r *http.Request, status int, s *service.Snapshot, err error) {
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	respondJSON(w, status, s)
}

func (h *CartHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "cart is closed",
			Code:    "cart_closed",
			Details: string(conflict.Status),
		})
	case errors.Is(err, domain.ErrIdentityUnresolved):
		respondError(w, http.StatusBadRequest, "identity_unresolved", err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, pricing.ErrMissingDimension):
		respondError(w, http.StatusBadRequest, "invalid_dimension", err.Error())
	case errors.Is(err, domain.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrCartNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrDuplicateActiveCart):
		respondError(w, http.StatusConflict, "concurrent_update", "cart was modified concurrently, retry")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		h.logger.ErrorContext(r.Context(), "cart request failed",
			"path", r.URL.Path, "request_id", getRequestID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
