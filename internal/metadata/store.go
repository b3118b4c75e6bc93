// Package metadata holds the hierarchical key/value metadata attached to a dataset or a
// result set. Keys are dotted paths ("Camera.ADOffset"); values are JSON-compatible.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var log = slog.Default()

// ErrInvalidKey is returned for empty or malformed keys.
var ErrInvalidKey = errors.New("metadata: invalid key")

// Backend persists entries. storage.Container satisfies it.
type Backend interface {
	PutMeta(key string, value []byte) error
	LoadMeta() (map[string][]byte, error)
}

// Store is a concurrency-safe metadata map, optionally backed by durable storage.
type Store struct {
	mu        sync.Mutex
	entries   map[string]any
	backend   Backend
	listeners []func(key string)
}

// New creates a store over backend, loading any entries it already holds.
// A nil backend gives an in-memory store.
func New(backend Backend) (*Store, error) {
	s := &Store{
		entries: make(map[string]any),
		backend: backend,
	}
	if backend == nil {
		return s, nil
	}

	raw, err := backend.LoadMeta()
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	for k, b := range raw {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", k, err)
		}
		s.entries[k] = v
	}
	return s, nil
}

// OnChange registers fn to be called (outside the store lock) after each Set.
func (s *Store) OnChange(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Set stores value under key. The value is normalized through JSON so that what
// readers see in memory matches what a reopened store loads.
func (s *Store) Set(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return fmt.Errorf("normalize metadata %s: %w", key, err)
	}

	s.mu.Lock()
	if s.backend != nil {
		if err := s.backend.PutMeta(key, raw); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("persist metadata %s: %w", key, err)
		}
	}
	s.entries[key] = norm
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
	return nil
}

// Get returns the value under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Names returns all keys, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.entries)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MergeEntries sets every entry of m, overwriting existing keys.
func (s *Store) MergeEntries(m map[string]any) error {
	for _, k := range sortedKeys(m) {
		if err := s.Set(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// MergeFrom copies every entry of other into s.
func (s *Store) MergeFrom(other *Store) error {
	return s.MergeEntries(other.Snapshot())
}

// Snapshot returns a point-in-time copy of all entries.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot, len(s.entries))
	for k, v := range s.entries {
		snap[k] = v
	}
	return snap
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
