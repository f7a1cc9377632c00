package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/peterbourgon/diskv/v3"
)

// tempDir is the staging directory for atomic writes: diskv writes there and
// renames into place, so a watcher never reads a half-written file. It sits
// inside the base directory so the rename stays on one filesystem.
const tempDir = ".tmp"

// DiskStore persists values as one file per key under a base directory.
type DiskStore struct {
	d        *diskv.Diskv
	basePath string
	logger   *slog.Logger

	// written remembers the bytes this process last wrote per key, so Watch
	// can tell our own writes apart from another process's. Without it every
	// save would echo back as an external change and trigger a refetch loop.
	mu      sync.Mutex
	written map[string][]byte
}

// NewDiskStore opens (creating if needed) a store rooted at basePath.
func NewDiskStore(basePath string, logger *slog.Logger) (*DiskStore, error) {
	if basePath == "" {
		return nil, errors.New("store: base path is required")
	}
	if err := os.MkdirAll(filepath.Join(basePath, tempDir), 0o700); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", basePath, err)
	}
	return &DiskStore{
		d: diskv.New(diskv.Options{
			BasePath:  basePath,
			Transform: func(string) []string { return []string{} }, // flat: one file per key
			TempDir:   filepath.Join(basePath, tempDir),
			FilePerm:  0o600,
			PathPerm:  0o700,
		}),
		basePath: basePath,
		logger:   logger,
		written:  make(map[string][]byte),
	}, nil
}

func (s *DiskStore) Load(key string, v any) (bool, error) {
	if !s.d.Has(key) {
		return false, nil
	}
	// Read direct from disk: another process may have rewritten the file
	// since we last saw it.
	rc, err := s.d.ReadStream(key, true)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("store: reading %s: %w", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return false, fmt.Errorf("store: reading %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("store: decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *DiskStore) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", key, err)
	}
	// Held across the write so external never compares against bytes that
	// have not reached the file yet.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.d.Write(key, raw); err != nil {
		return fmt.Errorf("store: writing %s: %w", key, err)
	}
	s.written[key] = raw
	return nil
}

func (s *DiskStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[key] = nil
	if !s.d.Has(key) {
		return nil
	}
	if err := s.d.Erase(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: erasing %s: %w", key, err)
	}
	return nil
}

// Watch reports keys written or removed by another process. The channel is
// closed when ctx is done or the watcher fails.
func (s *DiskStore) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	if err := watcher.Add(s.basePath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("store: watch %s: %w", s.basePath, err)
	}

	keys := make(chan string, 16)
	go func() {
		defer close(keys)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				key := filepath.Base(ev.Name)
				if key == tempDir || !s.external(key) {
					continue
				}
				select {
				case keys <- key:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("store: watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return keys, nil
}

// external reports whether the current contents of key differ from what
// this process last wrote.
func (s *DiskStore) external(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, tracked := s.written[key]

	current, err := os.ReadFile(filepath.Join(s.basePath, key))
	if err != nil {
		// Removed: external unless we removed it ourselves.
		return !tracked || last != nil
	}
	if !tracked {
		return true
	}
	return !bytes.Equal(current, last)
}
