package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backends carries shared clients for the redis and sql store types.
type Backends struct {
	Redis redis.UniversalClient
	DB    *gorm.DB

	Logger *zap.Logger
}

// NewConversationStore creates a ConversationStore based on the configuration
func NewConversationStore(config StoreConfig, b Backends) (ConversationStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryConversationStore(), nil
	case StoreTypeFile:
		s, err := NewFileConversationStore(config)
		if err != nil {
			return nil, err
		}
		return s.WithLogger(b.Logger), nil
	case StoreTypeRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisConversationStore(b.Redis, config.Redis.KeyPrefix), nil
	case StoreTypeSQL:
		return NewSQLConversationStore(b.DB)
	default:
		return nil, fmt.Errorf("unsupported conversation store type: %s", config.Type)
	}
}

// NewDedupStore creates a DedupStore based on the configuration
func NewDedupStore(config StoreConfig, b Backends) (DedupStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryDedupStore(), nil
	case StoreTypeFile:
		return NewFileDedupStore(config)
	case StoreTypeRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisDedupStore(b.Redis, config.Redis.KeyPrefix), nil
	case StoreTypeSQL:
		return NewSQLDedupStore(b.DB)
	default:
		return nil, fmt.Errorf("unsupported dedup store type: %s", config.Type)
	}
}

// ConnectRedis creates a client for the redis store type and checks it.
func ConnectRedis(ctx context.Context, config RedisStoreConfig) (*redis.Client, error) {
	client := NewRedisClient(config)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
