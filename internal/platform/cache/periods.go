package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/grouporder/internal/shared"
)

// DefaultPeriodTTL bounds how long a name to id mapping stays in Redis.
const DefaultPeriodTTL = 24 * time.Hour

// PeriodCache maps period names to ids in Redis.
type PeriodCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewPeriodCache builds a cache over client; a non-positive ttl uses DefaultPeriodTTL.
func NewPeriodCache(client redis.Cmdable, ttl time.Duration) *PeriodCache {
	if ttl <= 0 {
		ttl = DefaultPeriodTTL
	}
	return &PeriodCache{client: client, ttl: ttl}
}

// GetPeriodID returns the cached id for name. A miss is not an error.
func (c *PeriodCache) GetPeriodID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	raw, err := c.client.Get(ctx, shared.PeriodNameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("platform/cache: get period: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		// Corrupt entries are dropped so the next lookup repopulates them.
		_ = c.client.Del(ctx, shared.PeriodNameKey(name)).Err()
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// PutPeriodID stores the id for name.
func (c *PeriodCache) PutPeriodID(ctx context.Context, name string, id uuid.UUID) error {
	if err := c.client.Set(ctx, shared.PeriodNameKey(name), id.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: put period: %w", err)
	}
	return nil
}
