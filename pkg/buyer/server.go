package buyer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/auction"
	"github.com/gavelnet/gavel/pkg/watch"
)

// Server exposes the buyer process over HTTP: the peer RPCs sellers call,
// a control API for joining and withdrawing, and the websocket watch feed.
type Server struct {
	buyer *Buyer
	hub   *watch.Hub
	log   *zap.SugaredLogger

	router *mux.Router
	http   *http.Server

	unsubscribe func()
	closeOnce   sync.Once
}

func NewServer(b *Buyer, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	srv := &Server{
		buyer:  b,
		hub:    watch.NewHub(logger),
		log:    logger.Named("buyer_http"),
		router: mux.NewRouter(),
	}

	events, cancel := b.Notifier().Subscribe()
	srv.unsubscribe = cancel
	go srv.hub.Run(events)

	// Peer RPC.
	srv.router.HandleFunc("/rpc/announce_price", srv.handleAnnounce).Methods("POST")
	srv.router.HandleFunc("/rpc/finish_auction", srv.handleFinish).Methods("POST")

	// Control API.
	api := srv.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", srv.handleListAuctions).Methods("GET")
	api.HandleFunc("/auctions/{id}/join", srv.handleJoin).Methods("POST")
	api.HandleFunc("/auctions/{id}/quit", srv.handleQuit).Methods("POST")
	api.HandleFunc("/auctions/{id}/withdraw", srv.handleWithdraw).Methods("POST")

	srv.router.HandleFunc("/ws", srv.hub.ServeHTTP)
	srv.router.HandleFunc("/health", srv.handleHealth).Methods("GET")
	return srv
}

func (srv *Server) Handler() http.Handler { return srv.router }

func (srv *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(srv.router)
	srv.http = &http.Server{Addr: addr, Handler: handler}
	srv.log.Infow("buyer_listening", "addr", addr)
	if err := srv.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (srv *Server) Close() {
	srv.closeOnce.Do(func() {
		srv.unsubscribe()
		if srv.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.http.Shutdown(ctx)
		}
	})
}

// ---- peer RPC ----

func (srv *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req auction.AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, auction.Ack{Message: "invalid request body"})
		return
	}
	srv.buyer.HandleAnnounce(&req)
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

func (srv *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req auction.FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, auction.Ack{Message: "invalid request body"})
		return
	}
	srv.buyer.HandleFinish(&req)
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

// ---- control API ----

type auctionView struct {
	*auction.Auction
	CurrentPriceText string `json:"current_price_text"`
	Joined           bool   `json:"joined"`
}

func (srv *Server) handleListAuctions(w http.ResponseWriter, _ *http.Request) {
	auctions := srv.buyer.Auctions()
	views := make([]auctionView, len(auctions))
	for i, a := range auctions {
		views[i] = auctionView{
			Auction:          a,
			CurrentPriceText: auction.FormatPrice(a.CurrentPrice),
			Joined:           a.HasBuyer(srv.buyer.Username()),
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (srv *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	reply, err := srv.buyer.Join(id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: reply.Success, Message: reply.Message})
}

func (srv *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	reply, err := srv.buyer.Quit(id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: reply.Success, Message: reply.Message})
}

func (srv *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	ack, err := srv.buyer.Withdraw(id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": srv.buyer.Username()})
}

func auctionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, auction.Ack{Message: "invalid auction id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
