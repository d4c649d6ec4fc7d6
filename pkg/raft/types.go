// Package raft implements the replicated log underneath the auction
// platform: leader election with randomized timeouts, heartbeat-driven log
// replication, and an ordered apply stream of committed entries. The
// transport and the persistence backend are both interfaces; see pkg/p2p
// and pkg/raftstore for the production implementations.
package raft

import "time"

type NodeID string

// Role is the node's current mode in the election cycle.
type Role int8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one slot of the replicated log. Command is opaque to the
// consensus layer; the platform encodes its operations into it. Index 0 is
// a sentinel so term/index arithmetic never special-cases an empty log.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

// Commit is one committed entry delivered on the apply stream, strictly in
// index order, exactly once per process lifetime.
type Commit struct {
	Index   uint64
	Term    uint64
	Command []byte
}

// PersistentState is everything a node must carry across a crash. It is
// rewritten in full before the node answers any RPC that mutated it.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    NodeID
	Log         []LogEntry
}

// NewPersistentState returns the state of a node that has never run:
// term 0, no vote, and the sentinel entry at slot 0.
func NewPersistentState() *PersistentState {
	return &PersistentState{Log: []LogEntry{{}}}
}

// Store persists PersistentState. Load on a store that has never been
// written returns NewPersistentState(), not an error.
type Store interface {
	Save(st *PersistentState) error
	Load() (*PersistentState, error)
}

const (
	DefaultHeartbeatInterval  = 40 * time.Millisecond
	DefaultElectionTimeoutMin = 200 * time.Millisecond
	DefaultElectionTimeoutMax = 400 * time.Millisecond
	DefaultRPCTimeout         = 500 * time.Millisecond
)

// Config fixes a node's identity, the cluster membership, and its timers.
// Peers lists every replica including the node itself; majority arithmetic
// runs over its length.
type Config struct {
	ID    NodeID
	Peers []NodeID

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	RPCTimeout         time.Duration

	// Seed feeds the election jitter RNG; 0 derives one from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = c.ElectionTimeoutMin + DefaultElectionTimeoutMax - DefaultElectionTimeoutMin
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	return c
}

// others returns the cluster without the node itself.
func (c Config) others() []NodeID {
	out := make([]NodeID, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p != c.ID {
			out = append(out, p)
		}
	}
	return out
}
