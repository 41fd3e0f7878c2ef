package program

import (
	"context"
	"time"

	"github.com/xenking/challenge-checkout/pkg/ttlcache"
)

// CachedRepository memoizes programs for a short TTL. Reference data changes
// rarely and price correctness only needs freshness at checkout time.
type CachedRepository struct {
	repo  Repository
	cache *ttlcache.Cache[int64, *Program]
}

var _ Repository = (*CachedRepository)(nil)

// NewCachedRepository wraps repo with a TTL cache.
func NewCachedRepository(repo Repository, ttl time.Duration, opts ...ttlcache.Option) *CachedRepository {
	return &CachedRepository{
		repo:  repo,
		cache: ttlcache.New[int64, *Program](ttl, opts...),
	}
}

// GetByID returns the cached program or loads it.
func (r *CachedRepository) GetByID(ctx context.Context, id int64) (*Program, error) {
	return r.cache.GetOrCompute(ctx, id, func(ctx context.Context) (*Program, error) {
		return r.repo.GetByID(ctx, id)
	})
}
