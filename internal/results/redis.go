package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/birdtag/internal/media"
)

const (
	keyPrefix  = "result:"
	indexKey   = "results:index"
	maxRetries = 5
)

// RedisStore keeps each result as JSON under result:{key} and tracks every
// stored key in the results:index set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, result media.Result) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	rkey := keyPrefix + result.Key

	for i := 0; i < maxRetries; i++ {
		applied := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, rkey).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				existing, err := decode(raw)
				if err != nil {
					return err
				}
				if !supersedes(result, existing) {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rkey, payload, 0)
				pipe.SAdd(ctx, indexKey, result.Key)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("put result: %w", err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("put result %s: too much contention", result.Key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (media.Result, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return media.Result{}, media.ErrNotFound
	}
	if err != nil {
		return media.Result{}, fmt.Errorf("get result: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyPrefix+key)
		pipe.SRem(ctx, indexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]media.Result, error) {
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list result keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = keyPrefix + k
	}
	values, err := s.client.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}

	out := make([]media.Result, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		r, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decode(raw []byte) (media.Result, error) {
	var r media.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return media.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if r.Tags == nil {
		r.Tags = map[string]int{}
	}
	return r, nil
}
