package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrMiss is returned by Get when no fresh entry exists for a key.
var ErrMiss = errors.New("cache: miss")

// entry is the on-disk representation of a cached value.
type entry struct {
	Key       string          `json:"key"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Store is a persistent key/value cache backed by one JSON file per key.
// Entries older than TTL are treated as misses. A Store is safe for use by
// concurrent goroutines; separate processes coordinate through atomic renames.
type Store struct {
	dir    string
	ttl    time.Duration
	clock  clockwork.Clock
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewStore creates a Store rooted at dir. A zero ttl disables expiry.
func NewStore(dir string, ttl time.Duration, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{dir: dir, ttl: ttl, clock: clock, logger: logger}
}

// Dir returns the directory holding cache files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

// Get decodes the cached value for key into out. Unreadable, corrupt or
// expired entries are reported as ErrMiss.
func (s *Store) Get(key string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && s.logger != nil {
			s.logger.Debug("cache read failed", "key", key, "error", err)
		}
		return ErrMiss
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.Key != key {
		if s.logger != nil {
			s.logger.Debug("ignoring unreadable cache entry", "key", key, "error", err)
		}
		return ErrMiss
	}

	if s.ttl > 0 && s.clock.Since(e.Timestamp) > s.ttl {
		if s.logger != nil {
			s.logger.Debug("cache entry expired", "key", key, "age", s.clock.Since(e.Timestamp).Round(time.Second))
		}
		return ErrMiss
	}

	if err := json.Unmarshal(e.Data, out); err != nil {
		return ErrMiss
	}
	return nil
}

// Set stores value under key, replacing any previous entry.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	contents, err := json.MarshalIndent(entry{Key: key, Timestamp: s.clock.Now(), Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}
