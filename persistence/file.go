package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileConversationStore keeps one JSON file per conversation under
// <BaseDir>/conversations.
type FileConversationStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewFileConversationStore creates the store directory if needed.
func NewFileConversationStore(config StoreConfig) (*FileConversationStore, error) {
	dir := filepath.Join(config.BaseDir, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation store directory: %w", err)
	}
	return &FileConversationStore{dir: dir, logger: zap.NewNop()}, nil
}

// WithLogger sets the logger used to report unreadable files.
func (s *FileConversationStore) WithLogger(logger *zap.Logger) *FileConversationStore {
	if logger != nil {
		s.logger = logger.With(zap.String("component", "file_conversation_store"))
	}
	return s
}

func (s *FileConversationStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileConversationStore) Save(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	p, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", rec.ID, err)
	}
	return writeFileAtomic(p, data)
}

func (s *FileConversationStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	p, err := s.path(id)
	if err != nil {
		return Record{}, err
	}
	return readRecord(p)
}

func (s *FileConversationStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation store directory: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation file",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func readRecord(p string) (Record, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode %s: %w", filepath.Base(p), err)
	}
	return rec, nil
}

func (s *FileConversationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileConversationStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

// FileDedupStore keeps the processed-event snapshot in a single JSON file.
type FileDedupStore struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewFileDedupStore creates the base directory if needed.
func NewFileDedupStore(config StoreConfig) (*FileDedupStore, error) {
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dedup store directory: %w", err)
	}
	return &FileDedupStore{path: filepath.Join(config.BaseDir, "processed-events.json")}, nil
}

type dedupFile struct {
	IDs []string `json:"ids"`
}

func (s *FileDedupStore) LoadIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f dedupFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode processed events: %w", err)
	}
	return f.IDs, nil
}

func (s *FileDedupStore) SaveIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	data, err := json.Marshal(dedupFile{IDs: ids})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func (s *FileDedupStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileDedupStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory then renames it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
