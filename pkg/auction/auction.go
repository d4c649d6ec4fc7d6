// Package auction holds the data model shared by the platform replicas and
// the seller/buyer clients: the auction record itself, buyer participation
// status, and the request/response payloads of the live-auction RPCs.
package auction

import "fmt"

// BuyerStatus is one (username, active) pair. Order in the slice is join
// order and is preserved on the wire.
type BuyerStatus struct {
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

// Item is the thing being sold.
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Auction is the full auction record. Prices are integer cents. RoundID is
// -1 until the first price announcement of a started auction.
//
// Ownership moves with lifecycle: the platform owns the record until the
// seller starts it, the seller owns it while it is live, and the record is
// immutable once finished.
type Auction struct {
	ID     int64  `json:"auction_id"`
	Name   string `json:"auction_name"`
	Seller string `json:"seller_username"`
	Item   Item   `json:"item"`

	BasePrice int64 `json:"base_price"`
	Increment int64 `json:"increment"`
	// PeriodMs is the pause between price announcements, in milliseconds.
	PeriodMs int64 `json:"price_increment_period_ms"`

	Created  bool `json:"created"`
	Started  bool `json:"started"`
	Finished bool `json:"finished"`

	Buyers       []BuyerStatus `json:"buyers"`
	RoundID      int64         `json:"round_id"`
	CurrentPrice int64         `json:"current_price"`

	Winner           string `json:"winner_username"`
	TransactionPrice int64  `json:"transaction_price"`

	// Resume is a client-local hint that this live auction was recovered
	// from the platform after a seller restart and its driver is not
	// running. Never serialized.
	Resume bool `json:"-"`
}

// New returns a created, not yet started auction. The caller assigns ID.
func New(name, seller string, item Item, basePrice, increment, periodMs int64) *Auction {
	return &Auction{
		Name:         name,
		Seller:       seller,
		Item:         item,
		BasePrice:    basePrice,
		Increment:    increment,
		PeriodMs:     periodMs,
		Created:      true,
		RoundID:      -1,
		CurrentPrice: basePrice,
	}
}

// Live reports started and not yet finished.
func (a *Auction) Live() bool { return a.Started && !a.Finished }

func (a *Auction) buyerIndex(username string) int {
	for i := range a.Buyers {
		if a.Buyers[i].Username == username {
			return i
		}
	}
	return -1
}

// HasBuyer reports whether username ever joined.
func (a *Auction) HasBuyer(username string) bool { return a.buyerIndex(username) >= 0 }

// BuyerActive reports whether username joined and has not withdrawn.
func (a *Auction) BuyerActive(username string) bool {
	i := a.buyerIndex(username)
	return i >= 0 && a.Buyers[i].Active
}

// ActiveBuyers counts buyers that have not withdrawn.
func (a *Auction) ActiveBuyers() int {
	n := 0
	for i := range a.Buyers {
		if a.Buyers[i].Active {
			n++
		}
	}
	return n
}

// SoleActiveBuyer returns the unique active buyer, if there is exactly one.
func (a *Auction) SoleActiveBuyer() (string, bool) {
	winner := ""
	for i := range a.Buyers {
		if !a.Buyers[i].Active {
			continue
		}
		if winner != "" {
			return "", false
		}
		winner = a.Buyers[i].Username
	}
	return winner, winner != ""
}

// AddBuyer appends username as an active participant. No-op if present.
func (a *Auction) AddBuyer(username string) {
	if a.HasBuyer(username) {
		return
	}
	a.Buyers = append(a.Buyers, BuyerStatus{Username: username, Active: true})
}

// RemoveBuyer drops username from the participant list (pre-start quit).
func (a *Auction) RemoveBuyer(username string) {
	i := a.buyerIndex(username)
	if i < 0 {
		return
	}
	a.Buyers = append(a.Buyers[:i], a.Buyers[i+1:]...)
}

// Deactivate flips username to inactive. Reports whether a flip happened.
func (a *Auction) Deactivate(username string) bool {
	i := a.buyerIndex(username)
	if i < 0 || !a.Buyers[i].Active {
		return false
	}
	a.Buyers[i].Active = false
	return true
}

// CloneBuyers returns a copy of the buyer list safe to hand across
// goroutines or encode onto the wire.
func (a *Auction) CloneBuyers() []BuyerStatus {
	if a.Buyers == nil {
		return nil
	}
	out := make([]BuyerStatus, len(a.Buyers))
	copy(out, a.Buyers)
	return out
}

// Clone deep-copies the record.
func (a *Auction) Clone() *Auction {
	c := *a
	c.Buyers = a.CloneBuyers()
	return &c
}

// SameListing reports whether two records describe the same listing: every
// field a seller provides at creation time matches. The platform uses this
// to reject duplicate creates.
func (a *Auction) SameListing(b *Auction) bool {
	return a.Name == b.Name &&
		a.Seller == b.Seller &&
		a.Item == b.Item &&
		a.BasePrice == b.BasePrice &&
		a.Increment == b.Increment &&
		a.PeriodMs == b.PeriodMs
}

// FormatPrice renders integer cents for display, e.g. 123456 -> "$1234.56".
func FormatPrice(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
