package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/birdtag/internal/media"
)

const keyPrefix = "media:"

// RedisStore keeps catalog entries as JSON strings under media:{key}.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Register(ctx context.Context, obj media.Object) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode media object: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+obj.Key, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("register media object: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (media.Object, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return media.Object{}, media.ErrNotFound
	}
	if err != nil {
		return media.Object{}, fmt.Errorf("get media object: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) Consume(ctx context.Context, key string, now time.Time, enforceExpiry bool) (media.Object, error) {
	rkey := keyPrefix + key
	var result media.Object
	var outcome error

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			outcome = media.ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		obj, err := decode(raw)
		if err != nil {
			return err
		}
		updated, err := consume(obj, now, enforceExpiry)
		result = updated
		if err != nil {
			outcome = err
			return nil
		}
		payload, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, 0)
			return nil
		})
		return err
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer consumed the grant between WATCH and EXEC.
		return result, media.ErrGrantAlreadyUsed
	}
	if err != nil {
		return result, fmt.Errorf("consume grant: %w", err)
	}
	return result, outcome
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	rkey := keyPrefix + key
	var outcome error
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			outcome = media.ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		obj, err := decode(raw)
		if err != nil {
			return err
		}
		obj.WrittenAt = time.Time{}
		payload, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, 0)
			return nil
		})
		return err
	}, rkey)
	if err != nil {
		return fmt.Errorf("release grant: %w", err)
	}
	return outcome
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}

func decode(raw []byte) (media.Object, error) {
	var obj media.Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return media.Object{}, fmt.Errorf("decode media object: %w", err)
	}
	return obj, nil
}
