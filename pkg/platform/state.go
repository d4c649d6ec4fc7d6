package platform

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/auction"
)

// StateMachine is the deterministic core of a platform replica: a username
// directory plus the auction registry, mutated only by Apply. Commands
// arrive in raft log order; a single mutex serializes application so
// replaying the same log always reproduces the same state. Nothing in here
// may read the clock or randomness.
type StateMachine struct {
	mu       sync.Mutex
	users    map[string]string
	auctions []*auction.Auction

	log      *zap.SugaredLogger
	dispatch map[string]func(Command) Reply
}

func NewStateMachine(logger *zap.SugaredLogger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sm := &StateMachine{
		users: make(map[string]string),
		log:   logger.Named("state"),
	}
	sm.dispatch = map[string]func(Command) Reply{
		OpLogin:               sm.login,
		OpGetUserAddress:      sm.getUserAddress,
		OpBuyerFetchAuctions:  sm.buyerFetchAuctions,
		OpSellerFetchAuctions: sm.sellerFetchAuctions,
		OpBuyerJoinAuction:    sm.buyerJoinAuction,
		OpBuyerQuitAuction:    sm.buyerQuitAuction,
		OpSellerCreateAuction: sm.sellerCreateAuction,
		OpSellerStartAuction:  sm.sellerStartAuction,
		OpSellerFinishAuction: sm.sellerFinishAuction,
		OpSellerUpdateAuction: sm.sellerUpdateAuction,
	}
	return sm
}

// Apply runs one committed command. The façade sets IsLeader on the way
// out; in here only success/message/payload are decided.
func (sm *StateMachine) Apply(cmd Command) Reply {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	fn, ok := sm.dispatch[cmd.Op]
	if !ok {
		return Reply{Message: fmt.Sprintf("Operation %s is not supported by the platform.", cmd.Op)}
	}
	return fn(cmd)
}

// byID returns the auction with the given 1-based id, or nil.
func (sm *StateMachine) byID(id int64) *auction.Auction {
	if id < 1 || id > int64(len(sm.auctions)) {
		return nil
	}
	return sm.auctions[id-1]
}

func unknownUser(username string) Reply {
	return Reply{Message: fmt.Sprintf("User %s does not exist.", username)}
}

func unknownAuction(id int64) Reply {
	return Reply{Message: fmt.Sprintf("Auction %d does not exist.", id)}
}

// ---- operations ----

func (sm *StateMachine) login(cmd Command) Reply {
	// Logging in twice overwrites the address: the newest process wins.
	sm.users[cmd.Username] = cmd.Address
	sm.log.Infow("login", "user", cmd.Username, "address", cmd.Address)
	return Reply{Success: true, Message: "Login successful."}
}

func (sm *StateMachine) getUserAddress(cmd Command) Reply {
	addr, ok := sm.users[cmd.Username]
	if !ok {
		return unknownUser(cmd.Username)
	}
	return Reply{Success: true, Message: addr}
}

func (sm *StateMachine) buyerFetchAuctions(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	records := make([]Record, 0, len(sm.auctions))
	for _, a := range sm.auctions {
		if a.HasBuyer(cmd.Username) {
			records = append(records, FullRecord(a))
		} else {
			records = append(records, ShieldedRecord(a))
		}
	}
	return Reply{Success: true, Auctions: records}
}

func (sm *StateMachine) sellerFetchAuctions(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	records := make([]Record, 0, len(sm.auctions))
	for _, a := range sm.auctions {
		if a.Seller == cmd.Username {
			records = append(records, FullRecord(a))
		} else {
			records = append(records, ShieldedRecord(a))
		}
	}
	return Reply{Success: true, Auctions: records}
}

func (sm *StateMachine) buyerJoinAuction(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	a := sm.byID(cmd.AuctionID)
	if a == nil {
		return unknownAuction(cmd.AuctionID)
	}
	if a.Started || a.Finished {
		return Reply{Message: fmt.Sprintf("Auction %d has started or finished.", a.ID)}
	}
	if a.HasBuyer(cmd.Username) {
		return Reply{Success: true, Message: fmt.Sprintf("User %s already in auction %d.", cmd.Username, a.ID)}
	}
	a.AddBuyer(cmd.Username)
	sm.log.Infow("buyer_joined", "user", cmd.Username, "auction", a.ID)
	return Reply{Success: true, Message: fmt.Sprintf("Added user %s to auction %d.", cmd.Username, a.ID)}
}

func (sm *StateMachine) buyerQuitAuction(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	a := sm.byID(cmd.AuctionID)
	if a == nil {
		return unknownAuction(cmd.AuctionID)
	}
	if a.Started || a.Finished {
		return Reply{Message: fmt.Sprintf("Auction %d has started or finished.", a.ID)}
	}
	if !a.HasBuyer(cmd.Username) {
		return Reply{Message: fmt.Sprintf("User %s not in auction %d yet.", cmd.Username, a.ID)}
	}
	a.RemoveBuyer(cmd.Username)
	sm.log.Infow("buyer_quit", "user", cmd.Username, "auction", a.ID)
	return Reply{Success: true, Message: fmt.Sprintf("User %s quit auction %d.", cmd.Username, a.ID)}
}

func (sm *StateMachine) sellerCreateAuction(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	candidate := auction.New(cmd.AuctionName, cmd.Username,
		auction.Item{Name: cmd.ItemName, Description: cmd.ItemDescription},
		cmd.BasePrice, cmd.Increment, cmd.PeriodMs)

	// De-duplication doubles as retry safety: a client that lost its reply
	// to a leader change re-sends the same fields and learns the listing
	// already exists.
	for _, existing := range sm.auctions {
		if existing.SameListing(candidate) {
			return Reply{Message: "Auction requested fully matches a previous auction. Auction already exists."}
		}
	}

	candidate.ID = int64(len(sm.auctions)) + 1
	sm.auctions = append(sm.auctions, candidate)
	sm.log.Infow("auction_created", "auction", candidate.ID, "seller", candidate.Seller, "name", candidate.Name)
	return Reply{
		Success: true,
		Message: fmt.Sprintf("Auction %d successfully created.", candidate.ID),
	}
}

func (sm *StateMachine) sellerStartAuction(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	a := sm.byID(cmd.AuctionID)
	if a == nil {
		return unknownAuction(cmd.AuctionID)
	}
	if a.Finished {
		return Reply{Message: fmt.Sprintf("Auction %d has already finished.", a.ID)}
	}
	if a.Started {
		rec := FullRecord(a)
		return Reply{Success: true, Message: fmt.Sprintf("Auction %d has already started.", a.ID), Auction: &rec}
	}
	a.Started = true
	sm.log.Infow("auction_started", "auction", a.ID, "seller", a.Seller)
	rec := FullRecord(a)
	return Reply{Success: true, Auction: &rec}
}

func (sm *StateMachine) sellerFinishAuction(cmd Command) Reply {
	a := sm.byID(cmd.AuctionID)
	if a == nil {
		return unknownAuction(cmd.AuctionID)
	}
	if a.Finished {
		return Reply{Success: true, Message: fmt.Sprintf("Auction %d has already finished.", a.ID)}
	}
	// The seller reports terminal state wholesale; its copy of the live
	// fields is authoritative at finish time.
	if cmd.Auction != nil {
		final := cmd.Auction.ToAuction()
		final.ID = a.ID
		final.Finished = true
		sm.auctions[a.ID-1] = final
	} else {
		a.Finished = true
	}
	sm.log.Infow("auction_finished", "auction", cmd.AuctionID)
	return Reply{Success: true, Message: fmt.Sprintf("Auction %d successfully finished.", cmd.AuctionID)}
}

func (sm *StateMachine) sellerUpdateAuction(cmd Command) Reply {
	if _, ok := sm.users[cmd.Username]; !ok {
		return unknownUser(cmd.Username)
	}
	a := sm.byID(cmd.AuctionID)
	if a == nil {
		return unknownAuction(cmd.AuctionID)
	}
	if cmd.Auction != nil {
		updated := cmd.Auction.ToAuction()
		updated.ID = a.ID
		sm.auctions[a.ID-1] = updated
	}
	return Reply{Success: true, Message: fmt.Sprintf("Auction %d successfully updated.", cmd.AuctionID)}
}
