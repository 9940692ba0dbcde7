package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the project-scoped directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// WriteDelay is the per-conversation debounce of the write-back cache
	WriteDelay time.Duration `json:"write_delay" yaml:"write_delay" env:"WRITE_DELAY"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr" env:"ADDR"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `json:"tls" yaml:"tls" env:"TLS"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeFile,
		BaseDir:    "./.convoflow",
		WriteDelay: time.Second,
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "convoflow:",
		},
	}
}

// Record is the durable form of one conversation.
type Record struct {
	ID        string          `json:"id"`
	Archived  bool            `json:"archived"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

func (r Record) validate() error {
	if r.ID == "" || len(r.Data) == 0 {
		return ErrInvalidInput
	}
	return nil
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// ConversationStore keeps one record per conversation.
type ConversationStore interface {
	Store

	// Save inserts or replaces the record with the same ID.
	Save(ctx context.Context, rec Record) error

	// Load returns ErrNotFound when no record exists.
	Load(ctx context.Context, id string) (Record, error)

	// List returns every record, archived ones included.
	List(ctx context.Context) ([]Record, error)
}

// DedupStore keeps the ordered snapshot of processed event ids.
type DedupStore interface {
	Store

	// LoadIDs returns ids oldest first; an empty store yields nil.
	LoadIDs(ctx context.Context) ([]string, error)

	// SaveIDs replaces the snapshot.
	SaveIDs(ctx context.Context, ids []string) error
}
