// Package http exposes the cart over JSON/HTTP.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Handler *CartHandler
	Auth    *Authenticator
	// Limiter is optional.
	Limiter            *RateLimiter
	Logger             *slog.Logger
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	// Health reports store readiness for GET /health.
	Health func(ctx context.Context) error
}

// NewRouter mounts the cart routes at the root and under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	}
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	cartRoutes := func(r chi.Router) {
		r.Use(IdentityMiddleware(cfg.Auth, cfg.Logger))
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}

		h := cfg.Handler
		r.Get("/", h.GetCart)
		r.Get("/rules", h.GetRules)
		r.Delete("/", h.ClearCart)
		r.Post("/items", h.AddItem)
		r.Put("/items/{itemID}", h.UpdateQuantity)
		r.Delete("/items/{itemID}", h.RemoveItem)
		r.Put("/discount", h.ApplyDiscount)
		r.Delete("/discount", h.RemoveDiscount)
		r.Put("/gift", h.SetGift)
		r.Post("/validate", h.Validate)
		r.With(RequireUser).Post("/merge", h.Merge)
	}

	r.Route("/cart", cartRoutes)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", cartRoutes)
	})
	return r
}
