// Package raftstore persists a replica's raft triple (term, vote, log).
// Three backends share the contract of pkg/raft.Store: Save rewrites the
// whole record durably before returning, Load on a never-written store
// returns the zero state rather than an error.
package raftstore

import (
	"bytes"
	"encoding/gob"

	"github.com/gavelnet/gavel/pkg/raft"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func clone(st *raft.PersistentState) *raft.PersistentState {
	out := &raft.PersistentState{
		CurrentTerm: st.CurrentTerm,
		VotedFor:    st.VotedFor,
		Log:         make([]raft.LogEntry, len(st.Log)),
	}
	copy(out.Log, st.Log)
	return out
}
