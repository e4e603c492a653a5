package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cardforge/cardfed/internal/platform"
)

// fileSnapshot is the on-disk shape of the file backend.
type fileSnapshot struct {
	Records map[string]*CardSyncState `json:"records"`
}

// FileStore is the default sync state backend: a single JSON snapshot
// on disk, rewritten whole on every mutation so a crash can never leave
// a half-written record behind a partially applied operation.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data map[string]*CardSyncState
}

// NewFileStore opens (or creates) the snapshot at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]*CardSyncState),
	}
	if err := fs.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}

	snap := &fileSnapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return err
	}
	if snap.Records != nil {
		fs.data = snap.Records
	}
	return nil
}

// save writes the snapshot via a temp file rename. Caller holds the lock.
func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(&fileSnapshot{Records: fs.data}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return err
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

// List returns every record, sorted by federated id.
func (fs *FileStore) List(ctx context.Context) ([]*CardSyncState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]*CardSyncState, 0, len(fs.data))
	for _, rec := range fs.data {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FederatedID < out[j].FederatedID })
	return out, nil
}

// Get returns the record for a federated id, or nil.
func (fs *FileStore) Get(ctx context.Context, federatedID string) (*CardSyncState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, ok := fs.data[federatedID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Set upserts a record keyed by federated id.
func (fs *FileStore) Set(ctx context.Context, record *CardSyncState) error {
	if record.FederatedID == "" {
		return fmt.Errorf("record has no federated id")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.data[record.FederatedID] = record.Clone()
	if err := fs.save(); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// Delete removes a record.
func (fs *FileStore) Delete(ctx context.Context, federatedID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.data[federatedID]; !ok {
		return nil
	}
	delete(fs.data, federatedID)
	if err := fs.save(); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// FindByPlatformID returns the record holding remoteID for a platform.
func (fs *FileStore) FindByPlatformID(ctx context.Context, id platform.ID, remoteID string) (*CardSyncState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, rec := range fs.data {
		if rec.PlatformIDs[id] == remoteID && remoteID != "" {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// Close is a no-op for the file backend.
func (fs *FileStore) Close() error {
	return nil
}
