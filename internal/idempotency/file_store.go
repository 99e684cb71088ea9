package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps records in one JSON document on disk. Every Save rewrites the
// document through a temp file and rename, so a crash never leaves it half
// written. Expired records are pruned on load and on save.
type FileStore struct {
	path    string
	mu      sync.Mutex
	records map[string]Record
	// Claims are process-local; the file is owned by one daemon.
	claims claims
	now    func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, records: make(map[string]Record), now: time.Now}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(blob) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, &f.records); err != nil {
		return err
	}
	f.prune()
	return nil
}

func (f *FileStore) prune() {
	now := f.now()
	for k, rec := range f.records {
		if rec.Expired(now) {
			delete(f.records, k)
		}
	}
}

func (f *FileStore) flush() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".idem-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok || rec.Expired(f.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	f.records[key] = record
	return f.flush()
}

func (f *FileStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return f.claims.claim(key, f.now(), ttl), nil
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.claims.release(key)
	return nil
}
