package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"velora_back_end/internal/models"
)

const (
	ProductCacheTTL = 60 * time.Second
	CouponCacheTTL  = 60 * time.Second

	productListKey  = "products:list"
	activeCouponKey = "coupons:active"
)

// Cache met en cache les listes publiques (catalogue, coupons actifs).
// Toutes les méthodes sont sans effet quand Redis est absent.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) GetProducts(ctx context.Context) ([]models.Product, bool) {
	var products []models.Product
	if !c.get(ctx, productListKey, &products) {
		return nil, false
	}
	return products, true
}

func (c *Cache) SetProducts(ctx context.Context, products []models.Product) {
	c.set(ctx, productListKey, products, ProductCacheTTL)
}

func (c *Cache) InvalidateProducts(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, productListKey)
}

func (c *Cache) GetActiveCoupons(ctx context.Context) ([]models.Coupon, bool) {
	var coupons []models.Coupon
	if !c.get(ctx, activeCouponKey, &coupons) {
		return nil, false
	}
	return coupons, true
}

func (c *Cache) SetActiveCoupons(ctx context.Context, coupons []models.Coupon) {
	c.set(ctx, activeCouponKey, coupons, CouponCacheTTL)
}

func (c *Cache) InvalidateCoupons(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, activeCouponKey)
}

func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(data), dest) == nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, data, ttl)
}
