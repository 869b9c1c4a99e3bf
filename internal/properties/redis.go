package properties

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per resource id. A commit is a single MULTI/EXEC.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(id int64) string {
	return r.prefix + "props:" + strconv.FormatInt(id, 10)
}

func (r *RedisStore) Purge(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("purge properties: %w", err)
	}
	return nil
}

func (r *RedisStore) NewSession() Session {
	return &redisSession{store: r}
}

type redisSession struct {
	store *RedisStore
	tx    staged
}

func (s *redisSession) Begin(context.Context) error {
	s.tx.begin()
	return nil
}

func (s *redisSession) Commit(ctx context.Context) error {
	ops := s.tx.take()
	if len(ops) == 0 {
		return nil
	}

	pipe := s.store.client.TxPipeline()
	for _, o := range ops {
		if o.remove {
			pipe.HDel(ctx, s.store.key(o.resourceID), o.key)
		} else {
			pipe.HSet(ctx, s.store.key(o.resourceID), o.key, o.value)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit property transaction: %w", err)
	}
	return nil
}

func (s *redisSession) Rollback(context.Context) error {
	s.tx.take()
	return nil
}

func (s *redisSession) SetValue(_ context.Context, id int64, key, value string) error {
	s.tx.set(id, key, value)
	return nil
}

func (s *redisSession) Remove(_ context.Context, id int64, key string) error {
	s.tx.remove(id, key)
	return nil
}

func (s *redisSession) Value(ctx context.Context, id int64, key string) (string, bool, error) {
	v, err := s.store.client.HGet(ctx, s.store.key(id), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get property %s on %d: %w", key, id, err)
	}
	return v, true, nil
}

func (s *redisSession) Values(ctx context.Context, id int64) (map[string]string, error) {
	out, err := s.store.client.HGetAll(ctx, s.store.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("list properties on %d: %w", id, err)
	}
	return out, nil
}
