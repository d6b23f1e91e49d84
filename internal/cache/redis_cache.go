package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"brewline/backend/internal/domain"
)

const recipeKeyPrefix = "brewline:recipe:active:"

type RedisRecipeCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisRecipeCache(client *redis.Client) *RedisRecipeCache {
	return &RedisRecipeCache{client: client}
}

func (c *RedisRecipeCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func recipeKey(productID string) string {
	return recipeKeyPrefix + productID
}

func (c *RedisRecipeCache) Get(ctx context.Context, productID string) (*domain.RecipeVersion, bool, error) {
	val, err := c.client.Get(ctx, recipeKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var recipe domain.RecipeVersion
	if err := json.Unmarshal(val, &recipe); err != nil {
		return nil, false, err
	}
	return &recipe, true, nil
}

func (c *RedisRecipeCache) Set(ctx context.Context, productID string, recipe *domain.RecipeVersion, ttl time.Duration) error {
	if recipe == nil {
		return nil
	}
	payload, err := json.Marshal(recipe)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recipeKey(productID), payload, ttl).Err()
}

func (c *RedisRecipeCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, recipeKey(productID)).Err()
}
