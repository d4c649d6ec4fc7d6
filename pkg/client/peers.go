package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gavelnet/gavel/pkg/auction"
)

// peerTimeout bounds the live-auction RPCs. An announce that needs an
// acknowledgement treats expiry as a dead buyer.
const peerTimeout = 2 * time.Second

// BuyerPeer reaches one buyer process over HTTP.
type BuyerPeer struct {
	base string
	http *http.Client
}

func NewBuyerPeer(addr string) *BuyerPeer {
	return &BuyerPeer{base: addr, http: &http.Client{Timeout: peerTimeout}}
}

func (p *BuyerPeer) AnnouncePrice(ctx context.Context, req *auction.AnnounceRequest) error {
	return postAck(ctx, p.http, p.base+"/rpc/announce_price", req)
}

func (p *BuyerPeer) FinishAuction(ctx context.Context, req *auction.FinishRequest) error {
	return postAck(ctx, p.http, p.base+"/rpc/finish_auction", req)
}

// SellerPeer reaches one seller process over HTTP.
type SellerPeer struct {
	base string
	http *http.Client
}

func NewSellerPeer(addr string) *SellerPeer {
	return &SellerPeer{base: addr, http: &http.Client{Timeout: peerTimeout}}
}

// Withdraw forwards a buyer's withdrawal to the auction's seller and
// returns the seller's verdict unchanged.
func (p *SellerPeer) Withdraw(ctx context.Context, req *auction.WithdrawRequest) (auction.Ack, error) {
	return postJSON(ctx, p.http, p.base+"/rpc/withdraw", req)
}

func postAck(ctx context.Context, client *http.Client, url string, payload any) error {
	ack, err := postJSON(ctx, client, url, payload)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("peer refused: %s", ack.Message)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (auction.Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return auction.Ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return auction.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return auction.Ack{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auction.Ack{}, fmt.Errorf("peer replied %s", resp.Status)
	}
	var ack auction.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return auction.Ack{}, err
	}
	return ack, nil
}
