package raftstore

import (
	"path/filepath"
	"testing"

	"github.com/gavelnet/gavel/pkg/raft"
)

func sampleState() *raft.PersistentState {
	return &raft.PersistentState{
		CurrentTerm: 7,
		VotedFor:    "n2",
		Log: []raft.LogEntry{
			{},
			{Term: 3, Index: 1, Command: []byte("first")},
			{Term: 7, Index: 2, Command: []byte("second")},
		},
	}
}

func checkEqual(t *testing.T, got, want *raft.PersistentState) {
	t.Helper()
	if got.CurrentTerm != want.CurrentTerm {
		t.Fatalf("term = %d, want %d", got.CurrentTerm, want.CurrentTerm)
	}
	if got.VotedFor != want.VotedFor {
		t.Fatalf("voted_for = %q, want %q", got.VotedFor, want.VotedFor)
	}
	if len(got.Log) != len(want.Log) {
		t.Fatalf("log length = %d, want %d", len(got.Log), len(want.Log))
	}
	for i := range want.Log {
		g, w := got.Log[i], want.Log[i]
		if g.Term != w.Term || g.Index != w.Index || string(g.Command) != string(w.Command) {
			t.Fatalf("log[%d] = %+v, want %+v", i, g, w)
		}
	}
}

// exercise runs the backend-independent contract: fresh loads return the
// initialized triple, saves round-trip, and a second save overwrites.
func exercise(t *testing.T, store raft.Store) {
	t.Helper()

	fresh, err := store.Load()
	if err != nil {
		t.Fatalf("fresh load: %v", err)
	}
	checkEqual(t, fresh, raft.NewPersistentState())

	want := sampleState()
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkEqual(t, got, want)

	want.CurrentTerm = 9
	want.VotedFor = ""
	want.Log = want.Log[:2]
	if err := store.Save(want); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	checkEqual(t, got, want)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMemoryStoreCopiesState(t *testing.T) {
	store := NewMemoryStore()
	st := sampleState()
	if err := store.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The node keeps appending to its live slices after a save.
	st.CurrentTerm = 100
	st.Log = append(st.Log, raft.LogEntry{Term: 100, Index: 3, Command: []byte("late")})

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkEqual(t, got, sampleState())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "raft.state")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exercise(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.state")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	want := sampleState()
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Load()
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	checkEqual(t, got, want)
}

func TestPebbleStore(t *testing.T) {
	store, err := NewPebbleStore(filepath.Join(t.TempDir(), "pebble"))
	if err != nil {
		t.Fatalf("new pebble store: %v", err)
	}
	defer store.Close()
	exercise(t, store)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	store, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("new pebble store: %v", err)
	}
	want := sampleState()
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load()
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	checkEqual(t, got, want)
}
