package seller

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

// Server exposes the seller process over HTTP: the peer RPC buyers call,
// a control API for driving the auctions, and the websocket watch feed.
type Server struct {
	seller *Seller
	hub    *watch.Hub
	log    *zap.SugaredLogger

	router *mux.Router
	http   *http.Server

	unsubscribe func()
	closeOnce   sync.Once
}

func NewServer(s *Seller, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	srv := &Server{
		seller: s,
		hub:    watch.NewHub(logger),
		log:    logger.Named("seller_http"),
		router: mux.NewRouter(),
	}

	events, cancel := s.Notifier().Subscribe()
	srv.unsubscribe = cancel
	go srv.hub.Run(events)

	// Peer RPC.
	srv.router.HandleFunc("/rpc/withdraw", srv.handleWithdraw).Methods("POST")

	// Control API.
	api := srv.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", srv.handleListAuctions).Methods("GET")
	api.HandleFunc("/auctions", srv.handleCreateAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/start", srv.handleStartAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/resume", srv.handleResumeAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/finish", srv.handleFinishAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/update", srv.handleUpdateAuction).Methods("POST")

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
	srv.log.Infow("seller_listening", "addr", addr)
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

func (srv *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req auction.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, auction.Ack{Message: "invalid request body"})
		return
	}
	success, message := srv.seller.Withdraw(req.AuctionID, req.Username)
	writeJSON(w, http.StatusOK, auction.Ack{Success: success, Message: message})
}

// ---- control API ----

// auctionView decorates a record for listings.
type auctionView struct {
	*auction.Auction
	CurrentPriceText string `json:"current_price_text"`
	Resumable        bool   `json:"resumable"`
}

func (srv *Server) handleListAuctions(w http.ResponseWriter, _ *http.Request) {
	auctions := srv.seller.Auctions()
	views := make([]auctionView, len(auctions))
	for i, a := range auctions {
		views[i] = auctionView{
			Auction:          a,
			CurrentPriceText: auction.FormatPrice(a.CurrentPrice),
			Resumable:        a.Resume,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

type createAuctionRequest struct {
	Name            string `json:"auction_name"`
	ItemName        string `json:"item_name"`
	ItemDescription string `json:"item_description"`
	BasePrice       int64  `json:"base_price"`
	Increment       int64  `json:"increment"`
	PeriodMs        int64  `json:"price_increment_period_ms"`
}

func (srv *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, auction.Ack{Message: "invalid request body"})
		return
	}
	reply, err := srv.seller.CreateAuction(req.Name,
		auction.Item{Name: req.ItemName, Description: req.ItemDescription},
		req.BasePrice, req.Increment, req.PeriodMs)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: reply.Success, Message: reply.Message})
}

func (srv *Server) handleStartAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	if err := srv.seller.StartAuction(id); err != nil {
		writeJSON(w, http.StatusOK, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

func (srv *Server) handleResumeAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	if err := srv.seller.ResumeAuction(id); err != nil {
		writeJSON(w, http.StatusOK, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

func (srv *Server) handleFinishAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	if err := srv.seller.FinishAuction(id); err != nil {
		writeJSON(w, http.StatusOK, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

func (srv *Server) handleUpdateAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	if err := srv.seller.ReportAuction(id); err != nil {
		writeJSON(w, http.StatusOK, auction.Ack{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, auction.Ack{Success: true})
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": srv.seller.Username()})
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
