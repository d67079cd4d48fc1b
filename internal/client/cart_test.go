package client

import (
	"context"
	"sync"
	"testing"

	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientFixture struct {
	srv     *cartServer
	store   *LocalStore
	session *SessionContext
	client  *Client
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	srv := newCartServer(t)
	store := openStore(t)
	session := newGuestSession(t, store)
	return &clientFixture{
		srv:     srv,
		store:   store,
		session: session,
		client:  NewClient(NewAPI(srv.URL, session, 0, logger.Discard()), session, store, logger.Discard(), Options{}),
	}
}

func TestClient_OnlineMutations(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	s, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 2}, nil)
	require.NoError(t, err)
	assert.False(t, s.Stale)
	assert.Equal(t, int64(3599), s.Snapshot.FinalTotal)
	itemID := s.Snapshot.Cart.Items[0].ID

	s, err = f.client.UpdateQuantity(ctx, itemID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), s.Snapshot.FinalTotal)

	s, err = f.client.ApplyDiscount(ctx, "half")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), s.Snapshot.FinalTotal)

	s, err = f.client.SetGift(ctx, GiftRequest{Recipient: "Sam", Wrap: true})
	require.NoError(t, err)
	require.NotNil(t, s.Snapshot.Cart.Gift)

	s, err = f.client.RemoveDiscount(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot.Cart.DiscountCode)

	s, err = f.client.RemoveItem(ctx, itemID)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot.Cart.Items)
	assert.Equal(t, int64(0), s.Snapshot.FinalTotal)
}

func TestClient_RejectedChangeIsReturned(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	before, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)

	after, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 404, Quantity: 1}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "product_not_found", apiErr.Code)
	assert.Equal(t, before, after)
}

func TestClient_OfflineFallbackThenServerWins(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	_, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 2}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)

	s, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)
	assert.True(t, s.Stale)
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, 3, s.Snapshot.Cart.Items[0].Quantity)
	assert.Equal(t, int64(4500), s.Snapshot.Subtotal)
	assert.Equal(t, int64(5099), s.Snapshot.FinalTotal)

	lamp := &pricing.ProductPrice{BasePrice: 4000}
	s, err = f.client.AddItem(ctx, AddItemRequest{ProductID: 2, Quantity: 1}, lamp)
	require.NoError(t, err)
	assert.Equal(t, int64(8500), s.Snapshot.Subtotal)
	assert.Equal(t, int64(8500), s.Snapshot.FinalTotal, "free shipping above the threshold")

	f.srv.down.Store(false)

	s = f.client.Refresh(ctx)
	assert.False(t, s.Stale)
	require.Len(t, s.Snapshot.Cart.Items, 1, "server state replaces local changes")
	assert.Equal(t, 2, s.Snapshot.Cart.Items[0].Quantity)
	assert.Equal(t, int64(3599), s.Snapshot.FinalTotal)
}

func TestClient_OfflineDiscountPricesAsZero(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	_, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 2}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)
	s, err := f.client.ApplyDiscount(ctx, " half ")
	require.NoError(t, err)
	assert.True(t, s.Stale)
	assert.Equal(t, "HALF", s.Snapshot.Cart.DiscountCode)
	assert.Equal(t, int64(3599), s.Snapshot.FinalTotal)
}

func TestClient_RefreshWhileDownKeepsState(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	online, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)
	s := f.client.Refresh(ctx)
	assert.True(t, s.Stale)
	assert.Equal(t, online.Snapshot, s.Snapshot)
	assert.Equal(t, online.LastSyncAt, s.LastSyncAt)
}

func TestClient_ConcurrentRefresh(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	want := f.client.Refresh(ctx)
	require.NotNil(t, want.Snapshot)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.client.Refresh(ctx)
			assert.Equal(t, want.Snapshot.Cart.ID, s.Snapshot.Cart.ID)
		}()
	}
	wg.Wait()
}

func TestClient_GuestCartSurvivesRestartOffline(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	_, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 3}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)

	session := newGuestSession(t, f.store)
	require.Equal(t, f.session.Info().SessionID, session.Info().SessionID)
	restarted := NewClient(NewAPI(f.srv.URL, session, 0, logger.Discard()), session, f.store, logger.Discard(), Options{})

	s := restarted.Load(ctx)
	assert.True(t, s.Stale)
	require.NotNil(t, s.Snapshot)
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, 3, s.Snapshot.Cart.Items[0].Quantity)
}

func TestClient_LoginMergesOnce(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	guest, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 2}, nil)
	require.NoError(t, err)

	tok := f.srv.token(t, "user-1")
	s := f.client.Login(ctx, "user-1", tok)
	assert.False(t, s.Stale)
	assert.Equal(t, "user-1", s.Snapshot.Cart.UserID)
	assert.Equal(t, guest.Snapshot.Cart.ID, s.Snapshot.Cart.ID, "lone guest cart is rekeyed")
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, int64(1), f.srv.merges.Load())

	f.client.Login(ctx, "user-1", tok)
	f.client.Refresh(ctx)
	assert.Equal(t, int64(1), f.srv.merges.Load())

	_, err = f.store.LoadCart(ctx, f.client.now())
	assert.ErrorIs(t, err, ErrNoRecord, "authenticated carts are not stored locally")
}

func TestClient_MergeDeferredWhileOffline(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	_, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)
	s := f.client.Login(ctx, "user-2", f.srv.token(t, "user-2"))
	assert.True(t, s.Stale)
	assert.Empty(t, s.Snapshot.Cart.UserID)

	f.srv.down.Store(false)
	s = f.client.Refresh(ctx)
	assert.False(t, s.Stale)
	assert.Equal(t, "user-2", s.Snapshot.Cart.UserID)
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, int64(1), f.srv.merges.Load(), "the failed attempt never reached the service")
}

func TestClient_LogoutAndReset(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	_, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)
	f.client.Login(ctx, "user-3", f.srv.token(t, "user-3"))
	sessionID := f.session.Info().SessionID

	s := f.client.Logout(ctx)
	assert.Equal(t, sessionID, f.session.Info().SessionID)
	assert.Empty(t, s.Snapshot.Cart.UserID)
	assert.Empty(t, s.Snapshot.Cart.Items, "the guest cart was absorbed at login")

	_, err = f.client.AddItem(ctx, AddItemRequest{ProductID: 2, Quantity: 1}, nil)
	require.NoError(t, err)

	s = f.client.Reset(ctx)
	assert.NotEqual(t, sessionID, f.session.Info().SessionID)
	assert.Empty(t, s.Snapshot.Cart.Items)
}

func TestClient_ValidateNeedsServer(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	report, err := f.client.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	f.srv.down.Store(true)
	_, err = f.client.Validate(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_OfflineBeforeFirstSync(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	f.srv.down.Store(true)

	s := f.client.Load(ctx)
	assert.Nil(t, s.Snapshot)

	s, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 2}, &pricing.ProductPrice{BasePrice: 1500})
	require.NoError(t, err)
	assert.True(t, s.Stale)
	require.NotNil(t, s.Snapshot)
	assert.Equal(t, f.session.Info().SessionID, s.Snapshot.Cart.SessionID)
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, int64(3000), s.Snapshot.Subtotal)
	assert.Equal(t, int64(3599), s.Snapshot.FinalTotal)

	f.srv.down.Store(false)
	s = f.client.Refresh(ctx)
	assert.False(t, s.Stale)
	assert.Empty(t, s.Snapshot.Cart.Items, "server state replaces local changes")
}

func TestClient_PendingMergeSurvivesRestart(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	guest, err := f.client.AddItem(ctx, AddItemRequest{ProductID: 2, Quantity: 1}, nil)
	require.NoError(t, err)

	f.srv.down.Store(true)
	f.client.Login(ctx, "user-4", f.srv.token(t, "user-4"))
	pending, err := f.store.LoadPendingMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-4", pending.UserID)
	assert.Equal(t, guest.Snapshot.Cart.SessionID, pending.SessionID)

	f.srv.down.Store(false)
	session := NewSessionContext(f.store, logger.Discard())
	session.Initialize(ctx)
	require.Equal(t, "user-4", session.Info().UserID)
	restarted := NewClient(NewAPI(f.srv.URL, session, 0, logger.Discard()), session, f.store, logger.Discard(), Options{})

	s := restarted.Load(ctx)
	assert.False(t, s.Stale)
	assert.Equal(t, "user-4", s.Snapshot.Cart.UserID)
	assert.Equal(t, guest.Snapshot.Cart.ID, s.Snapshot.Cart.ID)
	require.Len(t, s.Snapshot.Cart.Items, 1)
	assert.Equal(t, int64(1), f.srv.merges.Load())

	_, err = f.store.LoadPendingMerge(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestClient_OfflinePricingUsesServerRules(t *testing.T) {
	serverRules := pricing.Rules{
		Currency:              "EUR",
		FreeShippingThreshold: 10000,
		FlatShipping:          799,
		Fees:                  []pricing.FeeRule{{Name: "handling", Cents: 150}},
	}
	srv := newCartServerWithRules(t, serverRules)
	store := openStore(t)
	session := newGuestSession(t, store)
	c := NewClient(NewAPI(srv.URL, session, 0, logger.Discard()), session, store, logger.Discard(), Options{})
	ctx := context.Background()

	online, err := c.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1500+799+150), online.Snapshot.FinalTotal)

	srv.down.Store(true)
	s, err := c.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)
	assert.True(t, s.Stale)
	assert.Equal(t, int64(3000+799+150), s.Snapshot.FinalTotal)

	cached, err := store.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, serverRules, *cached)

	// a new process prices offline with the cached rules
	restarted := NewClient(NewAPI(srv.URL, session, 0, logger.Discard()), session, store, logger.Discard(), Options{})
	s = restarted.Load(ctx)
	require.True(t, s.Stale)
	s, err = restarted.AddItem(ctx, AddItemRequest{ProductID: 1, Quantity: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4500+799+150), s.Snapshot.FinalTotal)
	assert.Equal(t, "EUR", s.Snapshot.Currency)
}
