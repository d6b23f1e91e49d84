package cache

import (
	"context"
	"time"

	"brewline/backend/internal/domain"
)

// RecipeCache holds the active recipe version per product. A miss is (nil, false, nil).
type RecipeCache interface {
	Get(ctx context.Context, productID string) (*domain.RecipeVersion, bool, error)
	Set(ctx context.Context, productID string, recipe *domain.RecipeVersion, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

type NoopRecipeCache struct{}

func (NoopRecipeCache) Get(_ context.Context, _ string) (*domain.RecipeVersion, bool, error) {
	return nil, false, nil
}

func (NoopRecipeCache) Set(_ context.Context, _ string, _ *domain.RecipeVersion, _ time.Duration) error {
	return nil
}

func (NoopRecipeCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
