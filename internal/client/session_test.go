package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := OpenLocalStore(filepath.Join(t.TempDir(), "cart.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type brokenStore struct{}

func (brokenStore) LoadSession(context.Context) (*SessionRecord, error) {
	return nil, errors.New("disk on fire")
}

func (brokenStore) SaveSession(context.Context, SessionRecord) error {
	return errors.New("disk on fire")
}

func TestSession_InitializePersists(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := NewSessionContext(store, logger.Discard())
	info := first.Initialize(ctx)
	assert.True(t, info.IsGuest)
	assert.NotEmpty(t, info.SessionID)
	assert.NotEmpty(t, info.DeviceFingerprint)

	second := NewSessionContext(store, logger.Discard())
	again := second.Initialize(ctx)
	assert.Equal(t, info.SessionID, again.SessionID)
	assert.Equal(t, info.DeviceFingerprint, again.DeviceFingerprint)
	assert.WithinDuration(t, info.CreatedAt, again.CreatedAt, time.Millisecond)
}

func TestSession_InitializeNeverFails(t *testing.T) {
	s := NewSessionContext(brokenStore{}, logger.Discard())
	info := s.Initialize(context.Background())
	assert.True(t, info.IsGuest)
	assert.NotEmpty(t, info.SessionID)
}

func TestSession_AuthenticateLogoutReset(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	s := NewSessionContext(store, logger.Discard())
	guest := s.Initialize(ctx)

	auth := s.Authenticate(ctx, "u-1", "tok")
	assert.False(t, auth.IsGuest)
	assert.Equal(t, "u-1", auth.UserID)
	assert.Equal(t, guest.SessionID, auth.SessionID)

	again := s.Authenticate(ctx, "u-1", "tok")
	assert.Equal(t, auth.SessionID, again.SessionID)
	assert.Equal(t, "u-1", again.UserID)

	h := s.Headers()
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "u-1", h.Get(HeaderUserID))

	// the authenticated session survives a restart
	reloaded := NewSessionContext(store, logger.Discard()).Initialize(ctx)
	assert.Equal(t, "u-1", reloaded.UserID)

	out := s.Logout(ctx)
	assert.True(t, out.IsGuest)
	assert.Empty(t, out.UserID)
	assert.Equal(t, guest.SessionID, out.SessionID)
	assert.Empty(t, s.Headers().Get("Authorization"))
	assert.Empty(t, s.Headers().Get(HeaderUserID))

	reset := s.Reset(ctx)
	assert.True(t, reset.IsGuest)
	assert.NotEqual(t, guest.SessionID, reset.SessionID)
	assert.Equal(t, guest.DeviceFingerprint, reset.DeviceFingerprint)
	assert.Equal(t, reset.SessionID, s.Headers().Get(HeaderSessionID))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint(), Fingerprint())
	assert.Equal(t, fingerprintOf("linux", "amd64"), fingerprintOf("linux", "amd64"))
	assert.NotEqual(t, fingerprintOf("linux", "amd64"), fingerprintOf("linux", "arm64"))
	assert.NotEqual(t, fingerprintOf("ab", "c"), fingerprintOf("a", "bc"))
}

func TestLocalStore_CartDescriptor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	_, err := store.LoadCart(ctx, now)
	assert.ErrorIs(t, err, ErrNoRecord)

	d := CartDescriptor{
		CartID:     "c-1",
		SessionID:  "s-1",
		ExpiresAt:  now.Add(time.Hour),
		ItemCount:  3,
		LastSyncAt: now,
		Snapshot:   []byte(`{"item_count":3}`),
	}
	require.NoError(t, store.SaveCart(ctx, d))

	got, err := store.LoadCart(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, d, *got)

	_, err = store.LoadCart(ctx, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNoRecord)
	_, err = store.LoadCart(ctx, now)
	assert.ErrorIs(t, err, ErrNoRecord, "expired descriptor is deleted")
}

func TestLocalStore_PendingMerge(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.LoadPendingMerge(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)

	want := PendingMerge{
		UserID:            "u-1",
		SessionID:         "s-1",
		DeviceFingerprint: "fp",
		CreatedAt:         time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SavePendingMerge(ctx, want))
	got, err := store.LoadPendingMerge(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, store.DeletePendingMerge(ctx))
	_, err = store.LoadPendingMerge(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestLocalStore_Rules(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.LoadRules(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)

	want := pricing.Rules{
		Currency:     "EUR",
		FlatShipping: 799,
		Fees:         []pricing.FeeRule{{Name: "handling", Cents: 150, WaiveAbove: 9000}},
	}
	require.NoError(t, store.SaveRules(ctx, want, time.Now()))
	got, err := store.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}
