// Package p2p carries raft RPCs between platform replicas over libp2p
// streams. One protocol ID per RPC kind; each call is one stream with a
// gob request frame out and a gob response frame back.
package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/raft"
)

const (
	protocolAppend = protocol.ID("/gavel/raft/append/1.0.0")
	protocolVote   = protocol.ID("/gavel/raft/vote/1.0.0")
)

// Config fixes a replica's place in the peer network. Peers maps every
// replica ID (including self) to its listen multiaddr.
type Config struct {
	SelfID     raft.NodeID
	ListenAddr string
	Peers      map[raft.NodeID]string
	Logger     *zap.SugaredLogger
}

// Network implements raft.Transport over a libp2p host.
type Network struct {
	h    host.Host
	log  *zap.SugaredLogger
	self raft.NodeID

	peerIDs map[raft.NodeID]peer.ID

	muH      sync.RWMutex
	handlers raft.Handlers
}

var _ raft.Transport = (*Network)(nil)

// New builds the host with the deterministic identity for cfg.SelfID,
// registers stream handlers, and primes the peerstore with every replica's
// address. Dialing is lazy; an unreachable peer surfaces as an RPC error
// that raft retries on its next tick.
func New(ctx context.Context, cfg Config) (*Network, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	priv, err := identityFor(cfg.SelfID)
	if err != nil {
		return nil, err
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("p2p: listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: new host: %w", err)
	}

	n := &Network{
		h:       h,
		log:     logger.Named("p2p").With("self", string(cfg.SelfID)),
		self:    cfg.SelfID,
		peerIDs: make(map[raft.NodeID]peer.ID, len(cfg.Peers)),
	}

	for id, addr := range cfg.Peers {
		if id == cfg.SelfID {
			continue
		}
		pid, err := peerIDFor(id)
		if err != nil {
			h.Close()
			return nil, err
		}
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("p2p: peer addr %s: %w", id, err)
		}
		n.peerIDs[id] = pid
		h.Peerstore().AddAddr(pid, maddr, peerstore.PermanentAddrTTL)
	}

	h.SetStreamHandler(protocolAppend, n.handleAppendStream)
	h.SetStreamHandler(protocolVote, n.handleVoteStream)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func (n *Network) Close() error { return n.h.Close() }

func (n *Network) Host() host.Host { return n.h }

func (n *Network) SetHandlers(h raft.Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

// ---- outbound ----

func (n *Network) AppendEntries(ctx context.Context, to raft.NodeID, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	resp := &raft.AppendEntriesResponse{}
	if err := n.call(ctx, to, protocolAppend, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *Network) RequestVote(ctx context.Context, to raft.NodeID, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	resp := &raft.RequestVoteResponse{}
	if err := n.call(ctx, to, protocolVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *Network) call(ctx context.Context, to raft.NodeID, proto protocol.ID, req, resp any) error {
	pid, ok := n.peerIDs[to]
	if !ok {
		return fmt.Errorf("p2p: unknown peer %s", to)
	}
	s, err := n.h.NewStream(ctx, pid, proto)
	if err != nil {
		return fmt.Errorf("p2p: stream to %s: %w", to, err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	if err := writeFrame(s, req); err != nil {
		return fmt.Errorf("p2p: send to %s: %w", to, err)
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("p2p: close write to %s: %w", to, err)
	}
	if err := readFrame(s, resp); err != nil {
		return fmt.Errorf("p2p: response from %s: %w", to, err)
	}
	return nil
}

// ---- inbound ----

func (n *Network) handleAppendStream(s network.Stream) {
	defer s.Close()
	var req raft.AppendEntriesRequest
	if err := readFrame(s, &req); err != nil {
		n.log.Debugw("bad_append_frame", "err", err)
		return
	}
	n.muH.RLock()
	h := n.handlers.OnAppendEntries
	n.muH.RUnlock()
	if h == nil {
		return
	}
	resp := h(context.Background(), &req)
	if err := writeFrame(s, resp); err != nil {
		n.log.Debugw("append_reply_failed", "err", err)
	}
}

func (n *Network) handleVoteStream(s network.Stream) {
	defer s.Close()
	var req raft.RequestVoteRequest
	if err := readFrame(s, &req); err != nil {
		n.log.Debugw("bad_vote_frame", "err", err)
		return
	}
	n.muH.RLock()
	h := n.handlers.OnRequestVote
	n.muH.RUnlock()
	if h == nil {
		return
	}
	resp := h(context.Background(), &req)
	if err := writeFrame(s, resp); err != nil {
		n.log.Debugw("vote_reply_failed", "err", err)
	}
}
