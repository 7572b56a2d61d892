package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-scan/models"
)

// ReplayStore is the shared, TTL-bearing cache behind the replay guard.
// Every ingestion instance must use the same backing store.
type ReplayStore interface {
	// Remember stores rec unless its hash is already known. It reports
	// whether the record was new.
	Remember(ctx context.Context, rec models.ReplaySignatureRecord, ttl time.Duration) (bool, error)
	// Strike counts one security rejection for source within window.
	Strike(ctx context.Context, source string, window time.Duration) (int64, error)
	// Block places a block on source unless one is already active. It
	// reports whether this call placed it.
	Block(ctx context.Context, source string, d time.Duration) (bool, error)
	Blocked(ctx context.Context, source string) (bool, error)
}

type RedisReplayStore struct {
	redis *redis.Client
}

func NewRedisReplayStore(redisClient *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{redis: redisClient}
}

func signatureKey(hash string) string { return fmt.Sprintf("replay:sig:%s", hash) }
func strikeKey(source string) string  { return fmt.Sprintf("replay:strikes:%s", source) }
func blockKey(source string) string   { return fmt.Sprintf("replay:block:%s", source) }

func (s *RedisReplayStore) Remember(ctx context.Context, rec models.ReplaySignatureRecord, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, signatureKey(rec.SignatureHash), rec.Timestamp.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("remember signature: %w", err)
	}
	return ok, nil
}

func (s *RedisReplayStore) Strike(ctx context.Context, source string, window time.Duration) (int64, error) {
	key := strikeKey(source)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("strike source: %w", err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("strike source: %w", err)
		}
	}
	return count, nil
}

func (s *RedisReplayStore) Block(ctx context.Context, source string, d time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, blockKey(source), "1", d).Result()
	if err != nil {
		return false, fmt.Errorf("block source: %w", err)
	}
	return ok, nil
}

func (s *RedisReplayStore) Blocked(ctx context.Context, source string) (bool, error) {
	n, err := s.redis.Exists(ctx, blockKey(source)).Result()
	if err != nil {
		return false, fmt.Errorf("check source block: %w", err)
	}
	return n > 0, nil
}
