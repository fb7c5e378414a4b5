package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/screenpilot/internal/session"
)

// RedisStore keeps history as a capped JSON list, newest at the head.
type RedisStore struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisStore(client *redis.Client, prefix string, limit int) *RedisStore {
	if prefix == "" {
		prefix = "screenpilot"
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return &RedisStore{client: client, key: prefix + ":history", limit: limit}
}

func (s *RedisStore) Save(ctx context.Context, record Record) error {
	record, err := normalize(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	raw, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("unmarshal history record: %w", err)
		}
		if r.Outcome, err = session.ParseState(string(r.Outcome)); err != nil {
			return nil, fmt.Errorf("history record %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
