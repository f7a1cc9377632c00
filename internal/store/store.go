// Package store provides durable local state for the client: a small
// key/value persistence contract with a diskv implementation, a filesystem
// watch that reports writes made by other processes, and a generic
// broadcaster used by the session and day stores to publish snapshots.
//
// Values are JSON-encoded. Only domain data is ever written here (user,
// partner, routines, auth token, skip-pairing expiry); transient flags such
// as "loading" or "timed out" are never persisted.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Well-known keys. diskv maps each key to one file, so keys must be valid
// file names.
const (
	KeySession     = "session"
	KeyRoutines    = "day_routines"
	KeyAuthToken   = "auth_token"
	KeySkipPairing = "skip_pairing_until"
)

// Persistence is the durable layer shared by every process (every "tab") of
// the client on this machine.
type Persistence interface {
	// Load decodes the value stored under key into v. found is false when
	// the key has never been written or was deleted.
	Load(key string, v any) (found bool, err error)
	Save(key string, v any) error
	Delete(key string) error
	// Watch streams the keys changed by other processes until ctx is done.
	Watch(ctx context.Context) (<-chan string, error)
}

// MemoryStore is an in-process Persistence, used in tests and when no data
// directory is configured. Watch never emits: there is no other process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Load(key string, v any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("store: decoding %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context) (<-chan string, error) {
	if ctx == nil {
		return nil, errors.New("store: nil context")
	}
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
