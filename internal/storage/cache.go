package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// PermissionCache stores authoritative permission levels in Redis, keyed by
// account and document, so pre-flight checks can run without a database
// round trip. Entries expire after the configured TTL.
type PermissionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPermissionCache creates a cache on the Redis server at url.
func NewPermissionCache(url, prefix string, ttl time.Duration) (*PermissionCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionCache{
		client: redis.NewClient(opt),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Close releases the Redis connection.
func (c *PermissionCache) Close() error {
	return c.client.Close()
}

func (c *PermissionCache) key(account, owner, permlink string) string {
	return fmt.Sprintf("%sperm:%s:%s/%s", c.prefix, account, owner, permlink)
}

// Get returns the cached level for account on owner/permlink.
func (c *PermissionCache) Get(ctx context.Context, account, owner, permlink string) (permission.Level, bool, error) {
	raw, err := c.client.Get(ctx, c.key(account, owner, permlink)).Result()
	if errors.Is(err, redis.Nil) {
		return permission.Unknown, false, nil
	}
	if err != nil {
		return permission.Unknown, false, fmt.Errorf("get cached permission: %w", err)
	}
	return permission.NormalizeAccessType(raw), true, nil
}

// Set records an authoritative level. Unknown levels are not cached.
func (c *PermissionCache) Set(ctx context.Context, account, owner, permlink string, level permission.Level) error {
	if !level.Valid() {
		return nil
	}
	if err := c.client.Set(ctx, c.key(account, owner, permlink), level.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached permission: %w", err)
	}
	return nil
}

// Invalidate drops the cached level for account on owner/permlink.
func (c *PermissionCache) Invalidate(ctx context.Context, account, owner, permlink string) error {
	if err := c.client.Del(ctx, c.key(account, owner, permlink)).Err(); err != nil {
		return fmt.Errorf("invalidate cached permission: %w", err)
	}
	return nil
}

// ForAccount returns a permission.Cache view for one account.
func (c *PermissionCache) ForAccount(account string) permission.Cache {
	return accountCache{cache: c, account: account}
}

type accountCache struct {
	cache   *PermissionCache
	account string
}

// CachedPermission implements permission.Cache. Redis errors read as a miss
// so the gate fails closed.
func (a accountCache) CachedPermission(ctx context.Context, owner, permlink string) (permission.Level, bool) {
	level, ok, err := a.cache.Get(ctx, a.account, owner, permlink)
	if err != nil {
		glog.Warningf("storage: permission cache unavailable: %v", err)
		return permission.Unknown, false
	}
	return level, ok
}
