package auction

// Payloads of the seller<->buyer RPCs. The op strings ride in the URL path;
// bodies are JSON so a packet capture reads the same as the platform wire.

// AnnounceRequest is the seller's per-round price broadcast. Buyers must
// acknowledge; a failed acknowledgement withdraws the buyer.
type AnnounceRequest struct {
	AuctionID int64         `json:"auction_id"`
	RoundID   int64         `json:"round_id"`
	Price     int64         `json:"price"`
	Buyers    []BuyerStatus `json:"buyers"`
}

// FinishRequest carries the terminal state of an auction to its buyers.
// Winner is empty when every buyer withdrew before a sole winner remained.
type FinishRequest struct {
	AuctionID int64         `json:"auction_id"`
	Winner    string        `json:"winner_username"`
	Price     int64         `json:"price"`
	Buyers    []BuyerStatus `json:"buyers"`
}

// WithdrawRequest asks an auction's seller to withdraw the named buyer.
type WithdrawRequest struct {
	AuctionID int64  `json:"auction_id"`
	Username  string `json:"username"`
}

// Ack is the uniform reply of the peer RPCs.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
