package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transfer status values shared by the stream transport's producer and
// consumer sides.
const (
	TransferInFlight = "in_flight"
	TransferSettled  = "settled"
	TransferFailed   = "failed"
)

// defaultTransferTTL bounds how long settled-transfer records linger. A
// transfer no one asks about for a day is not coming back.
const defaultTransferTTL = 24 * time.Hour

// TransferStatusCache records cross-domain asset transfer outcomes so the
// receiving orchestrator can verify a transfer independently of the
// instruction message that names it.
type TransferStatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTransferStatusCache creates a TransferStatusCache backed by the given
// Client.
func NewTransferStatusCache(c *Client) *TransferStatusCache {
	return &TransferStatusCache{rdb: c.Underlying(), ttl: defaultTransferTTL}
}

func transferKey(transferID string) string {
	return "transfer:" + transferID
}

// SetStatus records the transfer's current status.
func (t *TransferStatusCache) SetStatus(ctx context.Context, transferID, status string) error {
	if err := t.rdb.Set(ctx, transferKey(transferID), status, t.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set transfer %s status: %w", transferID, err)
	}
	return nil
}

// Status returns the transfer's recorded status. Unknown transfers report
// ok=false with no error.
func (t *TransferStatusCache) Status(ctx context.Context, transferID string) (string, bool, error) {
	status, err := t.rdb.Get(ctx, transferKey(transferID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis: get transfer %s status: %w", transferID, err)
	}
	return status, true, nil
}
