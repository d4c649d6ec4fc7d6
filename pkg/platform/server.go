package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/raft"
)

// Server is the platform RPC façade. Every client request, reads included,
// is submitted to the raft log; the caller blocks on an awaiter until the
// apply loop reaches that index and hands back the state machine's reply.
// Followers answer is_leader=false immediately so clients move on.
type Server struct {
	node *raft.Node
	sm   *StateMachine
	log  *zap.SugaredLogger

	mu       sync.Mutex
	awaiters map[uint64]*awaiter

	router *mux.Router
	http   *http.Server

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// awaiter parks one leader-side request. term is the term Submit assigned;
// if a different term's entry lands at the index, leadership was lost and
// the client is told to re-send.
type awaiter struct {
	term uint64
	ch   chan Reply
}

func NewServer(node *raft.Node, sm *StateMachine, registry *prometheus.Registry, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		node:     node,
		sm:       sm,
		log:      logger.Named("facade"),
		awaiters: make(map[uint64]*awaiter),
		router:   mux.NewRouter(),
		done:     make(chan struct{}),
	}

	s.router.HandleFunc("/rpc/platform", s.handleRPC).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.wg.Add(1)
	go s.applyLoop()
	return s
}

// Start serves the client-facing API until Close.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)

	s.http = &http.Server{Addr: addr, Handler: handler}
	s.log.Infow("facade_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the routed façade for in-process test servers.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = s.http.Shutdown(ctx)
		}
		s.wg.Wait()
	})
}

// ServeCommand runs one client command through the log and waits for its
// reply. This is the single write path of the platform.
func (s *Server) ServeCommand(cmd Command) Reply {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Reply{Message: "malformed command: " + err.Error()}
	}

	index, term, isLeader := s.node.Submit(data)
	if !isLeader {
		return Reply{}
	}

	aw := &awaiter{term: term, ch: make(chan Reply, 1)}
	s.mu.Lock()
	s.awaiters[index] = aw
	s.mu.Unlock()

	s.log.Debugw("awaiting_apply", "op", cmd.Op, "index", index, "term", term)
	select {
	case reply := <-aw.ch:
		return reply
	case <-s.done:
		return Reply{}
	}
}

// applyLoop drains the raft apply stream: decode, apply, and wake the
// awaiter parked at that index, if any. Follower replicas apply silently.
func (s *Server) applyLoop() {
	defer s.wg.Done()
	for {
		var commit raft.Commit
		var ok bool
		select {
		case commit, ok = <-s.node.CommitC():
			if !ok {
				return
			}
		case <-s.done:
			return
		}

		var cmd Command
		var reply Reply
		if err := json.Unmarshal(commit.Command, &cmd); err != nil {
			s.log.Errorw("bad_log_entry", "index", commit.Index, "err", err)
			reply = Reply{Message: "undecodable command"}
		} else {
			reply = s.sm.Apply(cmd)
		}

		s.mu.Lock()
		aw := s.awaiters[commit.Index]
		delete(s.awaiters, commit.Index)
		s.mu.Unlock()
		if aw == nil {
			continue
		}
		if aw.term == commit.Term {
			reply.IsLeader = true
			aw.ch <- reply
		} else {
			// Another leader's entry took this slot; the submitted
			// command was lost and the client must re-send.
			aw.ch <- Reply{}
		}
	}
}

// ---- HTTP ----

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSON(w, http.StatusBadRequest, Reply{Message: "invalid request body"})
		return
	}
	respondJSON(w, http.StatusOK, s.ServeCommand(cmd))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	term, leader := s.node.IsLeader()
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"term":   term,
		"leader": leader,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
