package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/discount"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	carthttp "github.com/fjod/go_cart/cart-core/internal/http"
	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/merge"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/fjod/go_cart/cart-core/internal/repository"
	"github.com/fjod/go_cart/cart-core/internal/service"
	"github.com/stretchr/testify/require"
)

const serverSecret = "client-test-secret-0123"

// cartServer runs the real cart HTTP stack. While down is set every
// request is answered with 503, as a proxy in front of a dead service would.
type cartServer struct {
	*httptest.Server
	auth   *carthttp.Authenticator
	down   atomic.Bool
	hits   atomic.Int64
	merges atomic.Int64
}

func newCartServer(t *testing.T) *cartServer {
	t.Helper()
	return newCartServerWithRules(t, pricing.DefaultRules())
}

func newCartServerWithRules(t *testing.T, rules pricing.Rules) *cartServer {
	t.Helper()
	svc := service.NewCartService(service.Deps{
		Repo: repository.NewMemoryRepository(),
		Catalog: catalog.NewStaticCatalog([]catalog.Product{
			{ID: 1, Name: "Mug", BasePrice: 1500, Stock: 50, Available: true},
			{ID: 2, Name: "Lamp", BasePrice: 4000, Stock: 50, Available: true},
		}),
		Discounts: discount.NewStaticResolver([]pricing.Promotion{
			{Code: "HALF", Percent: pricing.MustDecimal("50"), Active: true},
		}),
		Logger: logger.Discard(),
	}, service.Options{Policy: domain.DefaultExpirationPolicy(), Rules: rules})

	auth := carthttp.NewAuthenticator(serverSecret, "go-cart")
	router := carthttp.NewRouter(carthttp.RouterConfig{
		Handler:        carthttp.NewCartHandler(svc, merge.NewEngine(svc, nil, logger.Discard()), logger.Discard()),
		Auth:           auth,
		Logger:         logger.Discard(),
		RequestTimeout: 5 * time.Second,
	})

	s := &cartServer{auth: auth}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.down.Load() {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/merge") {
			s.merges.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *cartServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.auth.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func newGuestSession(t *testing.T, store SessionStore) *SessionContext {
	t.Helper()
	s := NewSessionContext(store, logger.Discard())
	s.Initialize(t.Context())
	return s
}
