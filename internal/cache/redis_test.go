package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/cart-core/internal/domain"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisCache instance
func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cache := NewRedisCache(client, DefaultTTL)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return cache, mr, cleanup
}

func testCart() *domain.Cart {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	cart := domain.NewCart(domain.UserIdentity("user123"), now, domain.DefaultExpirationPolicy())
	cart.Items = []domain.CartItem{
		{ID: "a", ProductID: 1, Quantity: 2, TaxRate: pricing.MustDecimal("0.07")},
		{ID: "b", ProductID: 2, Quantity: 3},
	}
	return cart
}

func TestGet_Success(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	cart := testCart()
	key := cart.ActiveKey

	cartJSON, _ := json.Marshal(cart)
	mr.Set(cacheKey(key), string(cartJSON))

	result, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "user123", result.UserID)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, "0.07", result.Items[0].TaxRate.String())
	assert.Equal(t, key, result.ActiveKey)
}

func TestGet_CacheMiss(t *testing.T) {
	cache, _, cleanup := setupTestRedis(t)
	defer cleanup()

	result, err := cache.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, result)
}

func TestGet_InvalidJSON(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	key := "user:broken"
	jsonCart, err := json.Marshal(testCart())
	require.NoError(t, err)
	require.NoError(t, mr.Set(cacheKey(key), string(jsonCart[0:10])))

	_, cacheError := cache.Get(context.Background(), key)
	require.ErrorContains(t, cacheError, "unmarshal cart failed")
}

func TestGet_RedisDown(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	mr.Close()

	_, err := cache.Get(context.Background(), "user:x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestSet_WithTTL(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	cart := testCart()
	require.NoError(t, cache.Set(context.Background(), cart.ActiveKey, cart))

	stored, err := mr.Get(cacheKey(cart.ActiveKey))
	require.NoError(t, err)
	assert.Contains(t, stored, `"user_id":"user123"`)

	ttl := mr.TTL(cacheKey(cart.ActiveKey))
	assert.GreaterOrEqual(t, ttl, 15*time.Minute, "TTL should be at least base TTL")
	assert.LessOrEqual(t, ttl, 20*time.Minute, "TTL should be base + max jitter")
}

func TestDelete(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	cart := testCart()
	require.NoError(t, cache.Set(ctx, cart.ActiveKey, cart))
	assert.True(t, mr.Exists(cacheKey(cart.ActiveKey)))

	require.NoError(t, cache.Delete(ctx, cart.ActiveKey))
	assert.False(t, mr.Exists(cacheKey(cart.ActiveKey)))

	// deleting a missing key is fine
	assert.NoError(t, cache.Delete(ctx, "nonexistent"))
}

func TestCacheKey_Format(t *testing.T) {
	assert.Equal(t, "cart:session:abc", cacheKey("session:abc"))
}
