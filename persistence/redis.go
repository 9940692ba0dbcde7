package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/convoflow/internal/tlsutil"
)

// NewRedisClient builds a client from the store configuration.
func NewRedisClient(config RedisStoreConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return redis.NewClient(opts)
}

func redisPrefix(prefix string) string {
	if prefix == "" {
		return "convoflow:"
	}
	return prefix
}

// RedisConversationStore stores each record as a string key and keeps an
// index set of ids.
type RedisConversationStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisConversationStore wraps an existing client.
func NewRedisConversationStore(client redis.UniversalClient, keyPrefix string) *RedisConversationStore {
	return &RedisConversationStore{client: client, keyPrefix: redisPrefix(keyPrefix) + "conv:"}
}

// recordKey returns the Redis key for a conversation
func (s *RedisConversationStore) recordKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// indexKey returns the Redis key of the id set
func (s *RedisConversationStore) indexKey() string {
	return s.keyPrefix + "index"
}

func (s *RedisConversationStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", rec.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisConversationStore) Load(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal conversation %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisConversationStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without data; skip
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisConversationStore) Close() error {
	return nil
}

func (s *RedisConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RedisDedupStore keeps the snapshot as a list, oldest first.
type RedisDedupStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisDedupStore wraps an existing client.
func NewRedisDedupStore(client redis.UniversalClient, keyPrefix string) *RedisDedupStore {
	return &RedisDedupStore{client: client, key: redisPrefix(keyPrefix) + "dedup:ids"}
}

func (s *RedisDedupStore) LoadIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func (s *RedisDedupStore) SaveIDs(ctx context.Context, ids []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(ids) > 0 {
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		pipe.RPush(ctx, s.key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisDedupStore) Close() error {
	return nil
}

func (s *RedisDedupStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
