// Package mirror implements optional cross-node synchronization of key
// balances, so a fleet of gate instances behind a load balancer can share
// an approximate view of spend without a shared KeyStore. It is
// best-effort: a mirror write failure never fails the local mutation that
// triggered it, and the KeyStore remains the source of truth.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisMirror pushes key state to Redis under a fixed key prefix, for
// observability or warm cross-node cache priming. It implements the
// keystore.KeyMirror interface structurally.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to redisURL and returns a ready RedisMirror.
func NewRedisMirror(ctx context.Context, redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("mirror: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mirror: pinging redis: %w", err)
	}

	return &RedisMirror{client: client, prefix: "paygate:key:", ttl: 7 * 24 * time.Hour}, nil
}

func (m *RedisMirror) redisKey(keyID string) string {
	return m.prefix + keyID
}

// SaveKey writes the current credits and active flag for a key.
func (m *RedisMirror) SaveKey(keyID string, credits int64, active bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.client.HSet(ctx, m.redisKey(keyID), map[string]interface{}{
		"credits": credits,
		"active":  active,
	}).Err()
	if err != nil {
		log.Warn().Err(err).Str("key_id", keyID).Msg("mirror.save_failed")
		return err
	}
	m.client.Expire(ctx, m.redisKey(keyID), m.ttl)
	return nil
}

// RevokeKey marks a key inactive in the mirror.
func (m *RedisMirror) RevokeKey(keyID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.HSet(ctx, m.redisKey(keyID), "active", false).Err(); err != nil {
		log.Warn().Err(err).Str("key_id", keyID).Msg("mirror.revoke_failed")
		return err
	}
	return nil
}

// AtomicTopup adds amount to the mirrored credits value via Redis' native
// atomic hash-increment, so concurrent topups across nodes never race.
func (m *RedisMirror) AtomicTopup(keyID string, amount int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.HIncrBy(ctx, m.redisKey(keyID), "credits", amount).Err(); err != nil {
		log.Warn().Err(err).Str("key_id", keyID).Msg("mirror.topup_failed")
		return err
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
