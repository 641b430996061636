package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshloan/flashmesh/internal/domain"
)

//go:embed scripts/spacing.lua
var spacingLua string

// SpacingLimiter implements domain.SpacingLimiter with an atomic Lua
// compare-and-set, so the spacing check holds across every process sharing
// the Redis instance.
type SpacingLimiter struct {
	rdb     *redis.Client
	spacing *redis.Script
}

// NewSpacingLimiter creates a SpacingLimiter backed by the given Client.
func NewSpacingLimiter(c *Client) *SpacingLimiter {
	return &SpacingLimiter{
		rdb:     c.Underlying(),
		spacing: redis.NewScript(spacingLua),
	}
}

func spacingKey(key string) string {
	return "spacing:" + key
}

// Reserve checks that at least `spacing` has elapsed since the key's last
// recorded initiation and, if so, records `now`. A denied reservation
// leaves the stored timestamp untouched.
func (l *SpacingLimiter) Reserve(ctx context.Context, key string, spacing time.Duration, now time.Time) (bool, error) {
	result, err := l.spacing.Run(
		ctx,
		l.rdb,
		[]string{spacingKey(key)},
		now.UnixMicro(),
		spacing.Microseconds(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: spacing reserve %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: spacing reserve %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Last returns the key's last recorded initiation time, zero when none.
func (l *SpacingLimiter) Last(ctx context.Context, key string) (time.Time, error) {
	micros, err := l.rdb.Get(ctx, spacingKey(key)).Int64()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: spacing last %s: %w", key, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// Compile-time interface check.
var _ domain.SpacingLimiter = (*SpacingLimiter)(nil)
