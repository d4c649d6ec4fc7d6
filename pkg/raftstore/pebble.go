package raftstore

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/gavelnet/gavel/pkg/raft"
)

var keyState = []byte("raft:state")

// PebbleStore keeps the raft triple under a single key in a pebble database.
// The full-record rewrite matches the other backends; pebble buys crash
// safety via its own WAL instead of the rename dance.
type PebbleStore struct {
	db *pebble.DB
}

var _ raft.Store = (*PebbleStore)(nil)

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("raftstore: open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Save(st *raft.PersistentState) error {
	data, err := encodeGob(st)
	if err != nil {
		return fmt.Errorf("raftstore: encode: %w", err)
	}
	if err := s.db.Set(keyState, data, pebble.Sync); err != nil {
		return fmt.Errorf("raftstore: set: %w", err)
	}
	return nil
}

func (s *PebbleStore) Load() (*raft.PersistentState, error) {
	data, closer, err := s.db.Get(keyState)
	if err == pebble.ErrNotFound {
		return raft.NewPersistentState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("raftstore: get: %w", err)
	}
	defer closer.Close()
	st := &raft.PersistentState{}
	if err := decodeGob(data, st); err != nil {
		return nil, fmt.Errorf("raftstore: decode: %w", err)
	}
	return st, nil
}
