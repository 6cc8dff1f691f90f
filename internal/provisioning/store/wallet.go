package store

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"provisioner/internal/provisioning/models"
	"provisioner/pkg/platform/sentinel"
)

// CustomerFinder looks customers up by user id.
type CustomerFinder interface {
	FindByUserID(ctx context.Context, userID string) (*models.Customer, error)
}

// CachedWalletResolver resolves a user's wallet address, caching hits.
// Misses are not cached so a wallet registered later is picked up on retry.
type CachedWalletResolver struct {
	customers CustomerFinder
	cache     *gocache.Cache
}

// NewCachedWalletResolver caches resolved wallets for ttl.
func NewCachedWalletResolver(customers CustomerFinder, ttl time.Duration) *CachedWalletResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedWalletResolver{
		customers: customers,
		cache:     gocache.New(ttl, 2*ttl),
	}
}

// WalletAddress returns the user's wallet, or "" when none is registered.
func (r *CachedWalletResolver) WalletAddress(ctx context.Context, userID string) (string, error) {
	if v, ok := r.cache.Get(userID); ok {
		return v.(string), nil
	}
	c, err := r.customers.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if c.WalletAddress == "" {
		return "", nil
	}
	r.cache.SetDefault(userID, c.WalletAddress)
	return c.WalletAddress, nil
}
