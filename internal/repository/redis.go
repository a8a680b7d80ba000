package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"entitlements-api/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key prefixes for the three keyspaces plus velocity tracking.
const (
	redisRecordPrefix   = "entitlements:record:"
	redisTxnPrefix      = "entitlements:txn:"
	redisIdemPrefix     = "entitlements:idem:"
	redisVelocityPrefix = "entitlements:velocity:"
)

// RedisStore implements Store on Redis for multi-instance deployments.
// Transaction ownership uses SET NX so the check-then-set is atomic on the
// server, and entries expire on their own replay-window TTL.
type RedisStore struct {
	client *redis.Client
}

// RedisStoreConfig holds Redis connection settings.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[RedisStore] Initialized - addr:%s db:%d", cfg.Addr, cfg.DB)
	return &RedisStore{client: client}, nil
}

// GetRecord returns the record for an identity, or nil if none exists.
func (s *RedisStore) GetRecord(ctx context.Context, identity string) (*model.EntitlementRecord, error) {
	data, err := s.client.Get(ctx, redisRecordPrefix+identity).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec model.EntitlementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	return &rec, nil
}

// UpsertRecord merges the patch onto the existing record. Upserts are
// last-write-wins per the concurrency model, so read-merge-write suffices.
func (s *RedisStore) UpsertRecord(ctx context.Context, identity string, patch model.RecordPatch) (*model.EntitlementRecord, error) {
	rec, err := s.GetRecord(ctx, identity)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &model.EntitlementRecord{Identity: identity}
	}
	patch.Apply(rec)
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	if err := s.client.Set(ctx, redisRecordPrefix+identity, data, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}
	return rec, nil
}

// ClaimTransaction assigns ownership with SET NX; expired keys are reclaimed
// by Redis itself, so a failed SET NX always means a live owner exists.
func (s *RedisStore) ClaimTransaction(ctx context.Context, ref, identity string, ttl time.Duration) (*model.TransactionSeen, bool, error) {
	seen := model.TransactionSeen{Identity: identity, SeenAt: time.Now().UTC()}
	data, err := json.Marshal(seen)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize transaction entry: %w", err)
	}

	key := redisTxnPrefix + ref
	won, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
	}
	if won {
		return &seen, true, nil
	}

	existing, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Owner expired between SETNX and GET; retry once.
		won, err = s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
		}
		if won {
			return &seen, true, nil
		}
		existing, err = s.client.Get(ctx, key).Bytes()
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read transaction owner: %w", err)
	}

	var owner model.TransactionSeen
	if err := json.Unmarshal(existing, &owner); err != nil {
		return nil, false, fmt.Errorf("failed to parse transaction entry: %w", err)
	}
	return &owner, false, nil
}

// GetTransactionSeen returns the live ownership entry for a reference, or nil.
func (s *RedisStore) GetTransactionSeen(ctx context.Context, ref string) (*model.TransactionSeen, error) {
	data, err := s.client.Get(ctx, redisTxnPrefix+ref).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction entry: %w", err)
	}

	var seen model.TransactionSeen
	if err := json.Unmarshal(data, &seen); err != nil {
		return nil, fmt.Errorf("failed to parse transaction entry: %w", err)
	}
	return &seen, nil
}

// GetIdempotent returns a cached terminal response or ErrNotFound.
func (s *RedisStore) GetIdempotent(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisIdemPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency entry: %w", err)
	}
	return data, nil
}

// PutIdempotent stores a terminal response for replay.
func (s *RedisStore) PutIdempotent(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisIdemPrefix+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency entry: %w", err)
	}
	return nil
}

// IncrVelocity records a scoring invocation in a per-install sorted set keyed
// by timestamp and returns the count within the sliding window.
func (s *RedisStore) IncrVelocity(ctx context.Context, installID string, window time.Duration) (int, error) {
	key := redisVelocityPrefix + installID
	now := time.Now()
	cutoff := now.Add(-window)

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record velocity: %w", err)
	}

	return int(card.Val()), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
