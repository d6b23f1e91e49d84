package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"brewline/backend/internal/domain"
)

func newTestCache(t *testing.T) (*RedisRecipeCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRecipeCache(client), mr
}

func TestRedisRecipeCacheRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "latte")
	require.NoError(t, err)
	require.False(t, ok)

	recipe := &domain.RecipeVersion{
		ID:        "rcp-1",
		ProductID: "latte",
		Version:   3,
		IsActive:  true,
		Lines:     []domain.RecipeLine{{RawMaterialID: "milk", Quantity: 200, Unit: "ml"}},
		TotalCost: decimal.RequireFromString("0.24"),
	}
	require.NoError(t, c.Set(ctx, "latte", recipe, time.Minute))
	require.True(t, mr.Exists(recipeKey("latte")))

	got, ok, err := c.Get(ctx, "latte")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.Version)
	require.Len(t, got.Lines, 1)
	require.True(t, recipe.TotalCost.Equal(got.TotalCost))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "latte")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisRecipeCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "americano", &domain.RecipeVersion{ProductID: "americano", Version: 1}, time.Minute))
	require.NoError(t, c.Invalidate(ctx, "americano"))

	_, ok, err := c.Get(ctx, "americano")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Invalidate(ctx, "never-cached"))
}

func TestRedisRecipeCacheCorruptPayload(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set(recipeKey("latte"), "{not json"))

	_, _, err := c.Get(context.Background(), "latte")
	require.Error(t, err)
}
