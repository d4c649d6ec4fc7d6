package raft

import (
	"context"
	"fmt"
	"sync"
)

// InmemCluster wires node transports together inside one process. Tests and
// single-binary clusters use it in place of the libp2p network; Disconnect
// simulates a partitioned replica by failing every RPC into or out of it.
type InmemCluster struct {
	mu           sync.Mutex
	transports   map[NodeID]*InmemTransport
	disconnected map[NodeID]bool
}

func NewInmemCluster() *InmemCluster {
	return &InmemCluster{
		transports:   make(map[NodeID]*InmemTransport),
		disconnected: make(map[NodeID]bool),
	}
}

// Transport returns (creating if needed) the endpoint for id.
func (c *InmemCluster) Transport(id NodeID) *InmemTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[id]; ok {
		return t
	}
	t := &InmemTransport{cluster: c, id: id}
	c.transports[id] = t
	return t
}

// Disconnect drops id off the network; its RPCs fail in both directions.
func (c *InmemCluster) Disconnect(id NodeID) {
	c.mu.Lock()
	c.disconnected[id] = true
	c.mu.Unlock()
}

// Reconnect restores id.
func (c *InmemCluster) Reconnect(id NodeID) {
	c.mu.Lock()
	delete(c.disconnected, id)
	c.mu.Unlock()
}

func (c *InmemCluster) route(from, to NodeID) (*InmemTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected[from] || c.disconnected[to] {
		return nil, fmt.Errorf("inmem: %s -> %s unreachable", from, to)
	}
	t, ok := c.transports[to]
	if !ok {
		return nil, fmt.Errorf("inmem: no transport for %s", to)
	}
	return t, nil
}

// InmemTransport is one node's endpoint on an InmemCluster.
type InmemTransport struct {
	cluster *InmemCluster
	id      NodeID

	mu       sync.RWMutex
	handlers Handlers
}

var _ Transport = (*InmemTransport)(nil)

func (t *InmemTransport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *InmemTransport) AppendEntries(ctx context.Context, to NodeID, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	peer, err := t.cluster.route(t.id, to)
	if err != nil {
		return nil, err
	}
	peer.mu.RLock()
	h := peer.handlers.OnAppendEntries
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("inmem: %s has no append handler", to)
	}
	// Entries are copied so the receiver never aliases the leader's log.
	r := *req
	r.Entries = append([]LogEntry(nil), req.Entries...)
	return h(ctx, &r), nil
}

func (t *InmemTransport) RequestVote(ctx context.Context, to NodeID, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	peer, err := t.cluster.route(t.id, to)
	if err != nil {
		return nil, err
	}
	peer.mu.RLock()
	h := peer.handlers.OnRequestVote
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("inmem: %s has no vote handler", to)
	}
	r := *req
	return h(ctx, &r), nil
}
