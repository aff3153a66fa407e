package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docflow/internal/entity"
)

// RedisStore keeps run contexts as JSON strings in Redis.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisClient creates a client from a redis:// or rediss:// URL.
func NewRedisClient(rawURL string, maxRetries int) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.MaxRetries = maxRetries
	return redis.NewClient(opts), nil
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration, log *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, log: log}
}

func (s *RedisStore) Save(ctx context.Context, rc *entity.RunContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rc.RunID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, runKey(rc.RunID), raw, s.ttl)
		if rc.BatchID != nil {
			p.SAdd(ctx, batchKey(*rc.BatchID), rc.RunID.String())
			p.Expire(ctx, batchKey(*rc.BatchID), s.ttl)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("cache save failed", "run_id", rc.RunID, "error", err)
		return fmt.Errorf("cache save %s: %w", rc.RunID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID uuid.UUID) (*entity.RunContext, error) {
	raw, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache load %s: %w", runID, err)
	}
	return decode(raw)
}

func (s *RedisStore) LoadAllByBatch(ctx context.Context, batchID uuid.UUID) ([]*entity.RunContext, error) {
	members, err := s.client.SMembers(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache batch members %s: %w", batchID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	var (
		out     []*entity.RunContext
		expired []any
		kept    []string
		keys    []string
	)
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			expired = append(expired, m)
			continue
		}
		kept = append(kept, m)
		keys = append(keys, runKey(id))
	}
	var values []any
	if len(keys) > 0 {
		values, err = s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("cache batch load %s: %w", batchID, err)
		}
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, kept[i])
			continue
		}
		rc, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, batchKey(batchID), expired...).Err(); err != nil {
			s.log.Debug("cache prune failed", "batch_id", batchID, "error", err)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID uuid.UUID) (bool, error) {
	n, err := s.client.Del(ctx, runKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("cache delete %s: %w", runID, err)
	}
	return n > 0, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(raw []byte) (*entity.RunContext, error) {
	var rc entity.RunContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	return &rc, nil
}
