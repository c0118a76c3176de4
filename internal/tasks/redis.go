package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/birdtag/internal/media"
)

const (
	keyPrefix  = "task:"
	maxRetries = 5
)

// RedisRegistry stores tasks as JSON under task:{key}. Every mutation runs in
// a WATCH transaction so concurrent dispatchers see a single winner.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Claim(ctx context.Context, key string, mediaType media.Type, now time.Time, lease time.Duration) (Task, bool, error) {
	rkey := keyPrefix + key
	var task Task
	var claimed bool

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := load(ctx, tx, rkey)
		if err != nil && !errors.Is(err, media.ErrNotFound) {
			return err
		}
		task, claimed = decideClaim(existing, key, mediaType, now, lease)
		if !claimed {
			return nil
		}
		return store(ctx, tx, rkey, task)
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race: someone else changed the task after our read.
		current, getErr := r.Get(ctx, key)
		if getErr != nil {
			return Task{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, claimed, nil
}

func (r *RedisRegistry) BeginAttempt(ctx context.Context, key string, generation int64, now time.Time) (Task, error) {
	var out Task
	err := r.mutate(ctx, key, func(task Task) (Task, error) {
		updated, err := applyBegin(task, generation, now)
		out = updated
		return updated, err
	})
	return out, err
}

func (r *RedisRegistry) RecordAttempt(ctx context.Context, key string, generation int64, lastErr string, now time.Time) error {
	return r.mutate(ctx, key, func(task Task) (Task, error) {
		return applyAttempt(task, generation, lastErr, now)
	})
}

func (r *RedisRegistry) Complete(ctx context.Context, key string, generation int64, state State, lastErr string, now time.Time) error {
	return r.mutate(ctx, key, func(task Task) (Task, error) {
		return applyComplete(task, generation, state, lastErr, now)
	})
}

func (r *RedisRegistry) Get(ctx context.Context, key string) (Task, error) {
	task, err := load(ctx, r.client, keyPrefix+key)
	if err != nil {
		return Task{}, err
	}
	return *task, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

func (r *RedisRegistry) mutate(ctx context.Context, key string, fn func(Task) (Task, error)) error {
	rkey := keyPrefix + key
	for i := 0; i < maxRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			task, err := load(ctx, tx, rkey)
			if err != nil {
				return err
			}
			updated, err := fn(*task)
			if err != nil {
				return err
			}
			return store(ctx, tx, rkey, updated)
		}, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update task %s: too much contention", key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, rkey string) (*Task, error) {
	raw, err := c.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, media.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func store(ctx context.Context, tx *redis.Tx, rkey string, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rkey, payload, 0)
		return nil
	})
	return err
}
