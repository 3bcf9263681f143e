// Package store provides durable key-value persistence for the engine's
// logical namespaces: positions/<id>, order_groups/<id>,
// risk_events/<timestamp>, performance/cumulative, performance/history,
// drawdown/peak.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Record is the self-describing envelope every persisted value
// carries, tagged with a schema version.
type Record struct {
	SchemaVersion int             `json:"schemaVersion"`
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
}

const currentSchemaVersion = 1

// Store is a JSON-file-backed key-value store with an in-memory read
// cache, one directory per namespace.
type Store struct {
	log     *zap.Logger
	baseDir string

	mu    sync.RWMutex
	cache map[string]json.RawMessage
}

// New creates a Store rooted at baseDir, creating it if necessary.
func New(log *zap.Logger, baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Store{
		log:     log.Named("store"),
		baseDir: baseDir,
		cache:   make(map[string]json.RawMessage),
	}, nil
}

// keyPath maps a logical key (e.g. "positions/pos-123") to a filesystem
// path, one file per key for simple atomic replace-on-write.
func (s *Store) keyPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key)+".json")
}

// Put persists value under key, updating the read cache. The write is a
// write-to-temp-then-rename so a crash mid-write never leaves a
// truncated record; order-group crash recovery depends on this.
func (s *Store) Put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	rec := Record{SchemaVersion: currentSchemaVersion, Key: key, Value: raw}
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}

	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating namespace dir for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = raw
	s.mu.Unlock()
	return nil
}

// Get loads key into out, reading from cache first and falling back to
// disk. Returns (false, nil) if the key does not exist.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.mu.RLock()
	raw, cached := s.cache[key]
	s.mu.RUnlock()

	if !cached {
		path := s.keyPath(key)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return false, fmt.Errorf("decoding record %s: %w", key, err)
		}
		raw = rec.Value
		s.mu.Lock()
		s.cache[key] = raw
		s.mu.Unlock()
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key from disk and cache.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// ListNamespace returns all logical keys under a namespace prefix (e.g.
// "positions"), by walking the on-disk tree — used by startup
// reconciliation and the status snapshot.
func (s *Store) ListNamespace(namespace string) ([]string, error) {
	root := filepath.Join(s.baseDir, namespace)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", namespace, err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		keys = append(keys, namespace+"/"+name)
	}
	return keys, nil
}
