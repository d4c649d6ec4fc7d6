package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/util"
)

// Node is one raft replica. A single role loop drives it: followers sleep a
// randomized election timeout and check whether a heartbeat or vote grant
// arrived; candidates wait on the majority event; leaders broadcast
// AppendEntries every heartbeat interval. Inbound RPCs run on transport
// goroutines and only touch state under the mutex.
type Node struct {
	// Clock and Metrics may be replaced before Start.
	Clock   util.Clock
	Metrics *Metrics

	cfg    Config
	net    Transport
	store  Store
	logger *zap.SugaredLogger

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    NodeID
	log         []LogEntry
	commitIndex uint64
	lastApplied uint64
	nextIndex   map[NodeID]uint64
	matchIndex  map[NodeID]uint64
	leaderHint  NodeID

	// Election bookkeeping. The flags suppress the follower's next timeout
	// check; votes/majorityCh belong to the candidacy that created them.
	heardHeartbeat bool
	grantedVote    bool
	votes          int
	majorityCh     chan struct{}
	majoritySent   bool

	rng *rand.Rand // confined to the role loop

	commitC     chan Commit
	commitReady chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New restores persistent state from store, registers the node's inbound
// handlers on the transport, and returns a node ready to Start.
func New(cfg Config, net Transport, store Store, logger *zap.SugaredLogger) (*Node, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	st, err := store.Load()
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	n := &Node{
		Clock:       util.RealClock{},
		cfg:         cfg,
		net:         net,
		store:       store,
		logger:      logger.With("node", string(cfg.ID)),
		role:        Follower,
		currentTerm: st.CurrentTerm,
		votedFor:    st.VotedFor,
		log:         st.Log,
		nextIndex:   make(map[NodeID]uint64),
		matchIndex:  make(map[NodeID]uint64),
		rng:         rand.New(rand.NewSource(seed)),
		commitC:     make(chan Commit, 256),
		commitReady: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	net.SetHandlers(Handlers{
		OnAppendEntries: n.onAppendEntries,
		OnRequestVote:   n.onRequestVote,
	})
	n.logger.Infow("node_restored",
		"term", n.currentTerm, "voted_for", string(n.votedFor), "log_len", len(n.log))
	return n, nil
}

// Start launches the role loop and the applier.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.run()
	go n.applyLoop()
}

// Close stops the loops and closes the apply stream once they drain.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		close(n.commitC)
	})
}

// CommitC is the apply stream: committed entries in strict index order,
// each delivered exactly once per process lifetime.
func (n *Node) CommitC() <-chan Commit { return n.commitC }

// Submit appends cmd to the log if this node is the leader. It returns the
// entry's index and term; the entry reaches peers on the next heartbeat and
// is only durable cluster-wide once it shows up on CommitC.
func (n *Node) Submit(cmd []byte) (index, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return 0, 0, false
	}
	e := LogEntry{Term: n.currentTerm, Index: uint64(len(n.log)), Command: cmd}
	n.log = append(n.log, e)
	n.matchIndex[n.cfg.ID] = e.Index
	n.persistLocked()
	// A one-node cluster commits on append; peers learn on the next tick.
	n.advanceCommitLocked()
	if n.Metrics != nil {
		n.Metrics.Submissions.Inc()
	}
	n.logger.Debugw("submit", "index", e.Index, "term", e.Term)
	return e.Index, e.Term, true
}

// Status reports the current term and role.
func (n *Node) Status() (term uint64, role Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm, n.role
}

// IsLeader reports whether the node currently believes it leads, and at
// which term.
func (n *Node) IsLeader() (term uint64, leader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm, n.role == Leader
}

// ---- role loop ----

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		default:
		}

		n.mu.Lock()
		role := n.role
		n.mu.Unlock()

		switch role {
		case Follower:
			if !n.sleep(n.electionTimeout()) {
				return
			}
			n.followerCheck()
		case Candidate:
			if !n.runElection() {
				return
			}
		case Leader:
			if !n.sleep(n.cfg.HeartbeatInterval) {
				return
			}
			n.broadcastAppendEntries()
		}
	}
}

// sleep waits d on the injected clock; false means the node is closing.
func (n *Node) sleep(d time.Duration) bool {
	select {
	case <-n.Clock.After(d):
		return true
	case <-n.done:
		return false
	}
}

func (n *Node) electionTimeout() time.Duration {
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(spread)+1))
}

// followerCheck fires after each follower timeout: silence from the leader
// and no vote granted within the window means the election starts.
func (n *Node) followerCheck() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Follower {
		return
	}
	if !n.heardHeartbeat && !n.grantedVote {
		n.role = Candidate
		n.logger.Infow("enter_candidate", "term", n.currentTerm+1)
	}
	n.heardHeartbeat = false
	n.grantedVote = false
}

// runElection bumps the term, votes for itself, fans out RequestVote, and
// waits for the majority event or a fresh timeout. false means closing.
func (n *Node) runElection() bool {
	n.mu.Lock()
	if n.role != Candidate {
		n.mu.Unlock()
		return true
	}
	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.votes = 1
	n.majoritySent = false
	n.majorityCh = make(chan struct{})
	majorityCh := n.majorityCh
	term := n.currentTerm
	lastIndex := uint64(len(n.log) - 1)
	lastTerm := n.log[lastIndex].Term
	n.persistLocked()
	n.setTermGauge()
	// A one-node cluster is its own majority.
	if n.votes > len(n.cfg.Peers)/2 {
		n.majoritySent = true
		close(n.majorityCh)
	}
	n.logger.Infow("start_election", "term", term)
	n.mu.Unlock()

	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, p := range n.cfg.others() {
		go n.sendRequestVote(p, req)
	}

	select {
	case <-majorityCh:
		n.becomeLeader(term)
		return true
	case <-n.Clock.After(n.electionTimeout()):
		// Split vote or partition. Role is still candidate, so the loop
		// starts the next election at term+1.
		return true
	case <-n.done:
		return false
	}
}

func (n *Node) sendRequestVote(to NodeID, req *RequestVoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.net.RequestVote(ctx, to, req)
	if err != nil {
		n.logger.Debugw("request_vote_failed", "to", string(to), "err", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		n.persistLocked()
		return
	}
	if n.role != Candidate || n.currentTerm != req.Term || !resp.VoteGranted {
		return
	}
	n.votes++
	n.logger.Debugw("vote_received", "from", string(to), "votes", n.votes)
	if !n.majoritySent && n.votes > len(n.cfg.Peers)/2 {
		n.majoritySent = true
		close(n.majorityCh)
	}
}

// becomeLeader installs leader state for term and sends the first round of
// heartbeats immediately.
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.role != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.role = Leader
	n.leaderHint = n.cfg.ID
	last := uint64(len(n.log) - 1)
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}
	n.matchIndex[n.cfg.ID] = last
	n.setRoleGauge(Leader)
	n.logger.Infow("enter_leader", "term", term, "last_index", last)
	n.mu.Unlock()

	n.broadcastAppendEntries()
}

// broadcastAppendEntries snapshots one request per peer under the lock and
// sends them from their own goroutines.
func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	reqs := make(map[NodeID]*AppendEntriesRequest, len(n.cfg.Peers)-1)
	for _, p := range n.cfg.others() {
		next := n.nextIndex[p]
		entries := make([]LogEntry, len(n.log[next:]))
		copy(entries, n.log[next:])
		reqs[p] = &AppendEntriesRequest{
			Term:         term,
			LeaderID:     n.cfg.ID,
			PrevLogIndex: next - 1,
			PrevLogTerm:  n.log[next-1].Term,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
		}
	}
	n.mu.Unlock()

	for p, req := range reqs {
		go n.sendAppendEntries(p, req)
	}
}

func (n *Node) sendAppendEntries(to NodeID, req *AppendEntriesRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	resp, err := n.net.AppendEntries(ctx, to, req)
	if err != nil {
		n.logger.Debugw("append_entries_failed", "to", string(to), "err", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		n.persistLocked()
		return
	}
	if n.role != Leader || n.currentTerm != req.Term {
		return
	}
	if resp.Success {
		m := req.PrevLogIndex + uint64(len(req.Entries))
		if m > n.matchIndex[to] {
			n.matchIndex[to] = m
		}
		if m+1 > n.nextIndex[to] {
			n.nextIndex[to] = m + 1
		}
		n.advanceCommitLocked()
	} else if n.nextIndex[to] > 1 {
		// Consistency check failed: back up one entry and retry on the
		// next heartbeat.
		n.nextIndex[to]--
	}
}

// advanceCommitLocked moves commitIndex to the highest N replicated on a
// majority whose entry was written in the current term.
func (n *Node) advanceCommitLocked() {
	for N := uint64(len(n.log) - 1); N > n.commitIndex; N-- {
		if n.log[N].Term != n.currentTerm {
			continue
		}
		count := 0
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p] >= N {
				count++
			}
		}
		if count > len(n.cfg.Peers)/2 {
			n.commitIndex = N
			if n.Metrics != nil {
				n.Metrics.CommitIndex.Set(float64(N))
			}
			n.logger.Debugw("commit_advanced", "commit_index", N)
			n.notifyCommit()
			break
		}
	}
}

// ---- inbound RPC handlers ----

func (n *Node) onAppendEntries(_ context.Context, req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &AppendEntriesResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		n.persistLocked()
		return resp
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	} else if n.role != Follower {
		// Same term, another node already leads it.
		n.role = Follower
		n.setRoleGauge(Follower)
	}
	n.heardHeartbeat = true
	n.leaderHint = req.LeaderID
	resp.Term = n.currentTerm

	// Consistency check: the slot before the new entries must match.
	if req.PrevLogIndex >= uint64(len(n.log)) || n.log[req.PrevLogIndex].Term != req.PrevLogTerm {
		n.persistLocked()
		return resp
	}

	// Append, truncating from the first conflicting slot.
	for i := range req.Entries {
		idx := req.PrevLogIndex + 1 + uint64(i)
		if idx < uint64(len(n.log)) {
			if n.log[idx].Term == req.Entries[i].Term {
				continue
			}
			n.log = n.log[:idx]
		}
		n.log = append(n.log, req.Entries[i:]...)
		break
	}

	if req.LeaderCommit > n.commitIndex {
		last := req.PrevLogIndex + uint64(len(req.Entries))
		n.commitIndex = min(req.LeaderCommit, last)
		if n.Metrics != nil {
			n.Metrics.CommitIndex.Set(float64(n.commitIndex))
		}
		n.notifyCommit()
	}

	resp.Success = true
	n.persistLocked()
	return resp
}

func (n *Node) onRequestVote(_ context.Context, req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	resp := &RequestVoteResponse{Term: n.currentTerm}
	if req.Term == n.currentTerm &&
		(n.votedFor == "" || n.votedFor == req.CandidateID) &&
		n.candidateUpToDateLocked(req) {
		n.votedFor = req.CandidateID
		n.grantedVote = true
		resp.VoteGranted = true
		n.logger.Debugw("grant_vote", "to", string(req.CandidateID), "term", req.Term)
	}
	n.persistLocked()
	return resp
}

// candidateUpToDateLocked implements the election restriction: the
// candidate's last entry must be at least as recent as ours, comparing
// terms first and lengths second.
func (n *Node) candidateUpToDateLocked(req *RequestVoteRequest) bool {
	last := uint64(len(n.log) - 1)
	lastTerm := n.log[last].Term
	if req.LastLogTerm != lastTerm {
		return req.LastLogTerm > lastTerm
	}
	return req.LastLogIndex >= last
}

// stepDownLocked adopts the higher term and reverts to follower. The vote
// clears only because the term moved; an equal-term step-down keeps it.
func (n *Node) stepDownLocked(term uint64) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.setTermGauge()
	}
	if n.role != Follower {
		n.logger.Infow("enter_follower", "term", n.currentTerm)
	}
	n.role = Follower
	n.setRoleGauge(Follower)
}

// ---- persistence and apply ----

func (n *Node) persistLocked() {
	st := &PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor, Log: n.log}
	if err := n.store.Save(st); err != nil {
		n.logger.Errorw("persist_failed", "err", err)
	}
}

func (n *Node) notifyCommit() {
	select {
	case n.commitReady <- struct{}{}:
	default:
	}
}

// applyLoop drains newly committed entries onto commitC. lastApplied
// advances under the lock before the sends, so a commit signal racing the
// drain can not double-deliver.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.commitReady:
		}

		n.mu.Lock()
		var out []Commit
		for n.lastApplied < n.commitIndex {
			n.lastApplied++
			e := n.log[n.lastApplied]
			out = append(out, Commit{Index: e.Index, Term: e.Term, Command: e.Command})
		}
		if n.Metrics != nil && len(out) > 0 {
			n.Metrics.AppliedIndex.Set(float64(n.lastApplied))
		}
		n.mu.Unlock()

		for i := range out {
			select {
			case n.commitC <- out[i]:
			case <-n.done:
				return
			}
		}
	}
}

func (n *Node) setTermGauge() {
	if n.Metrics != nil {
		n.Metrics.Term.Set(float64(n.currentTerm))
	}
}

func (n *Node) setRoleGauge(r Role) {
	if n.Metrics != nil {
		n.Metrics.Role.Set(float64(r))
	}
}
