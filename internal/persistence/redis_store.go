package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/vuo/pkg/api"
)

// RedisStore is a FlowStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>flow:<id>   => JSON-encoded instance
//	<prefix>idx:flows   => SET of all flow ids
//	<prefix>key:<key>   => flow id bound to an idempotency key
//
// List loads the id set and filters in Go; the same durability caveat
// as SQLiteStore applies to compensation actions.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	registry *api.CompensationRegistry
}

// Ensure RedisStore implements the store contracts.
var (
	_ api.FlowStore         = (*RedisStore)(nil)
	_ api.ContextQueryStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix is optional but
// recommended (e.g. "vuo:").
func NewRedisStore(client *redis.Client, prefix string, registry *api.CompensationRegistry) *RedisStore {
	if prefix == "" {
		prefix = "vuo:"
	}
	return &RedisStore{client: client, prefix: prefix, registry: registry}
}

func (s *RedisStore) keyFlow(id string) string { return s.prefix + "flow:" + id }

func (s *RedisStore) keyIndex() string { return s.prefix + "idx:flows" }

func (s *RedisStore) keyIdem(key string) string { return s.prefix + "key:" + key }

func (s *RedisStore) Save(ctx context.Context, inst *api.FlowInstance) error {
	payload, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyFlow(inst.FlowID), payload, 0)
	pipe.SAdd(ctx, s.keyIndex(), inst.FlowID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, flowID string) (*api.FlowInstance, error) {
	data, err := s.client.Get(ctx, s.keyFlow(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", api.ErrFlowNotFound, flowID)
		}
		return nil, err
	}
	return DecodeInstance(data, s.registry)
}

func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyFlow(flowID))
	pipe.SRem(ctx, s.keyIndex(), flowID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Exists(ctx context.Context, flowID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyFlow(flowID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context, filter api.Filter) ([]*api.FlowInstance, error) {
	return s.scan(ctx, func(inst *api.FlowInstance) bool {
		return filter.Matches(inst)
	})
}

func (s *RedisStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyIdem(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	// SETNX keeps keys write-once.
	return s.client.SetNX(ctx, s.keyIdem(key), flowID, 0).Err()
}

func (s *RedisStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error) {
	flowID, err := s.client.Get(ctx, s.keyIdem(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", api.ErrIdempotencyKeyNotFound, key)
		}
		return "", err
	}
	return flowID, nil
}

func (s *RedisStore) QueryByContext(ctx context.Context, match map[string]any) ([]*api.FlowInstance, error) {
	return s.scan(ctx, func(inst *api.FlowInstance) bool {
		return api.ContextMatches(inst, match)
	})
}

// scan loads every indexed instance and keeps those the predicate
// accepts. Ids whose payload vanished between SMEMBERS and GET are
// skipped.
func (s *RedisStore) scan(ctx context.Context, keep func(*api.FlowInstance) bool) ([]*api.FlowInstance, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	var instances []*api.FlowInstance
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.keyFlow(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := DecodeInstance(data, s.registry)
		if err != nil {
			return nil, err
		}
		if keep(inst) {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}
