package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "comms:ledger:"

// RedisLedger keeps the ledger in Redis so several gateway instances share it
type RedisLedger struct {
	rdb      *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedisLedger creates a ledger on an existing client
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl, claimTTL: DefaultClaimTTL}
}

// Claim uses SET NX so the check and the write are one round trip
func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, valuePending, l.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ledger claim: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Commit(ctx context.Context, key string) error {
	if err := l.rdb.Set(ctx, keyPrefix+key, valueDone, l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}

// State returns the stored value for a key, or "" when absent
func (l *RedisLedger) State(ctx context.Context, key string) (string, error) {
	val, err := l.rdb.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger state: %w", err)
	}
	return val, nil
}
