// Package platform holds the replicated directory: the operation wire
// format, the deterministic state machine that interprets committed
// operations, and the HTTP façade that funnels client requests through the
// raft log.
package platform

import "github.com/gavelnet/gavel/pkg/auction"

// Operation discriminators. The string form rides the wire unchanged so old
// clients and packet captures stay readable across versions.
const (
	OpLogin               = "LOGIN"
	OpGetUserAddress      = "GET_USER_ADDRESS"
	OpBuyerFetchAuctions  = "BUYER_FETCH_AUCTIONS"
	OpSellerFetchAuctions = "SELLER_FETCH_AUCTIONS"
	OpBuyerJoinAuction    = "BUYER_JOIN_AUCTION"
	OpBuyerQuitAuction    = "BUYER_QUIT_AUCTION"
	OpSellerCreateAuction = "SELLER_CREATE_AUCTION"
	OpSellerStartAuction  = "SELLER_START_AUCTION"
	OpSellerFinishAuction = "SELLER_FINISH_AUCTION"
	OpSellerUpdateAuction = "SELLER_UPDATE_AUCTION"
)

// Command is the client request payload: an op tag plus whichever fields
// that op reads. It is the unit serialized into a raft log entry, so its
// JSON encoding must stay deterministic and append-only.
type Command struct {
	Op       string `json:"op"`
	Username string `json:"username,omitempty"`
	Address  string `json:"address,omitempty"`

	AuctionID int64 `json:"auction_id,omitempty"`

	// SELLER_CREATE_AUCTION fields.
	AuctionName     string `json:"auction_name,omitempty"`
	ItemName        string `json:"item_name,omitempty"`
	ItemDescription string `json:"item_description,omitempty"`
	BasePrice       int64  `json:"base_price,omitempty"`
	Increment       int64  `json:"increment,omitempty"`
	PeriodMs        int64  `json:"price_increment_period_ms,omitempty"`

	// Full record for SELLER_UPDATE_AUCTION / SELLER_FINISH_AUCTION.
	Auction *Record `json:"auction,omitempty"`
}

// Reply is the façade's answer. IsLeader false means the replica could not
// order the command and carries no payload; the client must try another
// replica.
type Reply struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	IsLeader bool   `json:"is_leader"`

	Auctions []Record `json:"auctions,omitempty"`
	Auction  *Record  `json:"auction,omitempty"`
}

// Record is the wire form of an auction. The three shielded fields are
// pointers so a reply built for a non-participant omits exactly the keys
// buyers, current_price, and round_id while every other key is present.
type Record struct {
	ID     int64        `json:"auction_id"`
	Name   string       `json:"auction_name"`
	Seller string       `json:"seller_username"`
	Item   auction.Item `json:"item"`

	BasePrice int64 `json:"base_price"`
	Increment int64 `json:"increment"`
	PeriodMs  int64 `json:"price_increment_period_ms"`

	Created  bool `json:"created"`
	Started  bool `json:"started"`
	Finished bool `json:"finished"`

	Buyers       *[]auction.BuyerStatus `json:"buyers,omitempty"`
	RoundID      *int64                 `json:"round_id,omitempty"`
	CurrentPrice *int64                 `json:"current_price,omitempty"`

	Winner           string `json:"winner_username"`
	TransactionPrice int64  `json:"transaction_price"`
}

// Shielded reports whether the record was built for a non-participant.
func (r *Record) Shielded() bool { return r.RoundID == nil }

// FullRecord renders a for a participant (or the owning seller).
func FullRecord(a *auction.Auction) Record {
	r := shieldedRecord(a)
	buyers := a.CloneBuyers()
	if buyers == nil {
		buyers = []auction.BuyerStatus{}
	}
	round, price := a.RoundID, a.CurrentPrice
	r.Buyers = &buyers
	r.RoundID = &round
	r.CurrentPrice = &price
	return r
}

// ShieldedRecord renders a for an outsider: the participant list and the
// live price state are withheld.
func ShieldedRecord(a *auction.Auction) Record { return shieldedRecord(a) }

func shieldedRecord(a *auction.Auction) Record {
	return Record{
		ID:               a.ID,
		Name:             a.Name,
		Seller:           a.Seller,
		Item:             a.Item,
		BasePrice:        a.BasePrice,
		Increment:        a.Increment,
		PeriodMs:         a.PeriodMs,
		Created:          a.Created,
		Started:          a.Started,
		Finished:         a.Finished,
		Winner:           a.Winner,
		TransactionPrice: a.TransactionPrice,
	}
}

// ToAuction converts the record back into the domain type. Shielded fields
// a non-participant never saw come back as their pre-start zero values.
func (r *Record) ToAuction() *auction.Auction {
	a := &auction.Auction{
		ID:               r.ID,
		Name:             r.Name,
		Seller:           r.Seller,
		Item:             r.Item,
		BasePrice:        r.BasePrice,
		Increment:        r.Increment,
		PeriodMs:         r.PeriodMs,
		Created:          r.Created,
		Started:          r.Started,
		Finished:         r.Finished,
		Winner:           r.Winner,
		TransactionPrice: r.TransactionPrice,
		RoundID:          -1,
	}
	a.CurrentPrice = r.BasePrice
	if r.Buyers != nil {
		a.Buyers = append([]auction.BuyerStatus(nil), (*r.Buyers)...)
	}
	if r.RoundID != nil {
		a.RoundID = *r.RoundID
	}
	if r.CurrentPrice != nil {
		a.CurrentPrice = *r.CurrentPrice
	}
	return a
}
