package raftstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gavelnet/gavel/pkg/raft"
)

// FileStore writes the gob-encoded triple to a single file. Every Save goes
// through a temp file, fsync, and rename, so a crash mid-write leaves the
// previous record intact.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ raft.Store = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("raftstore: mkdir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Save(st *raft.PersistentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := encodeGob(st)
	if err != nil {
		return fmt.Errorf("raftstore: encode: %w", err)
	}

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("raftstore: open temp: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("raftstore: write: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("raftstore: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("raftstore: close: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("raftstore: rename: %w", err)
	}
	return nil
}

func (f *FileStore) Load() (*raft.PersistentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return raft.NewPersistentState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("raftstore: read: %w", err)
	}
	st := &raft.PersistentState{}
	if err := decodeGob(data, st); err != nil {
		return nil, fmt.Errorf("raftstore: decode: %w", err)
	}
	return st, nil
}
