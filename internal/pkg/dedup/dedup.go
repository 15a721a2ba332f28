package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"wiggletrack/internal/model"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wiggletrack:dedup:delivery:"

// Deduplicator remembers which subscriptions already had their mail sent, so
// a mail that went out before the product write was lost is not sent again.
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Delivered reports whether a mail for this subscription was already sent.
func (d *Deduplicator) Delivered(ctx context.Context, productID string, sub model.Subscription) (bool, error) {
	if d == nil || d.rdb == nil {
		return false, nil
	}
	n, err := d.rdb.Exists(ctx, deliveryKey(productID, sub)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records a sent mail. It returns false when it was already recorded.
func (d *Deduplicator) MarkDelivered(ctx context.Context, productID string, sub model.Subscription) (bool, error) {
	if d == nil || d.rdb == nil {
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, deliveryKey(productID, sub), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// deliveryKey identifies one subscription instance: re-subscribing later gets
// a new CreatedAt and therefore a fresh key.
func deliveryKey(productID string, sub model.Subscription) string {
	raw := productID + "|" +
		strconv.FormatUint(uint64(sub.UserID), 10) + "|" +
		strconv.FormatInt(sub.Threshold, 10) + "|" +
		strconv.FormatInt(sub.CreatedAt.UnixNano(), 10)
	sum := sha256.Sum256([]byte(raw))
	return keyPrefix + hex.EncodeToString(sum[:])
}
