package raftstore

import (
	"sync"

	"github.com/gavelnet/gavel/pkg/raft"
)

// MemoryStore keeps the raft triple in process memory. It survives a node
// Close/reopen inside one process, which is what the restart tests need;
// production replicas use the file or pebble backend.
type MemoryStore struct {
	mu sync.Mutex
	st *raft.PersistentState
}

var _ raft.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Save(st *raft.PersistentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The node hands us its live slices; copy so later appends and
	// truncations cannot reach back into the saved record.
	m.st = clone(st)
	return nil
}

func (m *MemoryStore) Load() (*raft.PersistentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return raft.NewPersistentState(), nil
	}
	return clone(m.st), nil
}
