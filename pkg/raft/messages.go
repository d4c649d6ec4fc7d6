package raft

import "context"

// AppendEntriesRequest doubles as the heartbeat: leaders send it every
// heartbeat interval whether or not Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
}

type RequestVoteRequest struct {
	Term         uint64
	CandidateID  NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// Handlers are the node's inbound RPC entry points, registered with the
// transport at construction.
type Handlers struct {
	OnAppendEntries func(ctx context.Context, req *AppendEntriesRequest) *AppendEntriesResponse
	OnRequestVote   func(ctx context.Context, req *RequestVoteRequest) *RequestVoteResponse
}

// Transport carries point-to-point raft RPCs. Calls block until the peer
// answers or ctx expires; every error is treated as a lost message and the
// retry comes from the protocol itself (next heartbeat, next election).
type Transport interface {
	AppendEntries(ctx context.Context, to NodeID, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(ctx context.Context, to NodeID, req *RequestVoteRequest) (*RequestVoteResponse, error)

	// inbound handler registration
	SetHandlers(h Handlers)
}
