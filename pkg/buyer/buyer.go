// Package buyer mirrors auctions on the buying side: it joins and quits
// through the platform, applies the seller's price announcements with
// round-id monotonicity, and forwards withdrawals to the seller.
package buyer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/auction"
	"github.com/gavelnet/gavel/pkg/platform"
	"github.com/gavelnet/gavel/pkg/util"
	"github.com/gavelnet/gavel/pkg/watch"
)

// Directory is the slice of the platform the buyer uses.
type Directory interface {
	Login(username, address string) (platform.Reply, error)
	BuyerFetchAuctions(username string) ([]platform.Record, error)
	UserAddress(username string) (string, error)
	JoinAuction(username string, auctionID int64) (platform.Reply, error)
	QuitAuction(username string, auctionID int64) (platform.Reply, error)
}

// SellerConn is the outbound RPC surface of one seller process.
type SellerConn interface {
	Withdraw(ctx context.Context, req *auction.WithdrawRequest) (auction.Ack, error)
}

// Dialer turns a resolved network address into a SellerConn.
type Dialer func(addr string) SellerConn

const withdrawTimeout = 2 * time.Second

// Buyer holds the local auction mirror. While an auction is live the
// seller's announcements are the source of truth for price, round, and
// buyer status; the platform fetch fills in everything else.
type Buyer struct {
	Clock util.Clock

	username string
	dir      Directory
	dial     Dialer
	notifier *watch.Notifier
	log      *zap.SugaredLogger

	reconcileEvery time.Duration

	mu       sync.Mutex
	auctions map[int64]*auction.Auction
	addrs    map[string]string
	conns    map[string]SellerConn

	poke      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(username string, dir Directory, dial Dialer, notifier *watch.Notifier, logger *zap.SugaredLogger) *Buyer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = watch.NewNotifier()
	}
	return &Buyer{
		Clock:          util.RealClock{},
		username:       username,
		dir:            dir,
		dial:           dial,
		notifier:       notifier,
		log:            logger.Named("buyer").With("user", username),
		reconcileEvery: time.Second,
		auctions:       make(map[int64]*auction.Auction),
		addrs:          make(map[string]string),
		conns:          make(map[string]SellerConn),
		poke:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (b *Buyer) Username() string { return b.username }

// SetReconcileInterval overrides the mirror refresh period. Call before Start.
func (b *Buyer) SetReconcileInterval(d time.Duration) {
	if d > 0 {
		b.reconcileEvery = d
	}
}

func (b *Buyer) Notifier() *watch.Notifier { return b.notifier }

// Login registers the buyer's inbound RPC address with the platform.
func (b *Buyer) Login(listenAddr string) error {
	reply, err := b.dir.Login(b.username, listenAddr)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("login rejected: %s", reply.Message)
	}
	b.log.Infow("logged_in", "address", listenAddr)
	return nil
}

// Start launches the reconciliation loop.
func (b *Buyer) Start() {
	b.wg.Add(1)
	go b.runReconcile()
}

func (b *Buyer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

// Auctions returns the mirror sorted by id, cloned.
func (b *Buyer) Auctions() []*auction.Auction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*auction.Auction, 0, len(b.auctions))
	for _, a := range b.auctions {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Auction returns a clone of one record, if mirrored.
func (b *Buyer) Auction(id int64) (*auction.Auction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.auctions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Poke requests an immediate reconciliation pass.
func (b *Buyer) Poke() {
	select {
	case b.poke <- struct{}{}:
	default:
	}
}

// Join asks the platform to add this buyer to a pre-start auction.
func (b *Buyer) Join(auctionID int64) (platform.Reply, error) {
	reply, err := b.dir.JoinAuction(b.username, auctionID)
	if err == nil && reply.Success {
		b.Poke()
	}
	return reply, err
}

// Quit leaves a pre-start auction.
func (b *Buyer) Quit(auctionID int64) (platform.Reply, error) {
	reply, err := b.dir.QuitAuction(b.username, auctionID)
	if err == nil && reply.Success {
		b.Poke()
	}
	return reply, err
}

// ---- inbound live-auction handlers ----

// HandleAnnounce applies one price announcement. Unknown auctions are
// ignored; stale rounds are discarded, so the locally observed round id is
// monotonic even when announcements arrive out of order.
func (b *Buyer) HandleAnnounce(req *auction.AnnounceRequest) {
	b.mu.Lock()
	a, ok := b.auctions[req.AuctionID]
	if !ok || req.RoundID < a.RoundID {
		b.mu.Unlock()
		return
	}
	a.RoundID = req.RoundID
	if req.RoundID > -1 {
		a.Started = true
	}
	a.CurrentPrice = req.Price
	a.Buyers = append([]auction.BuyerStatus(nil), req.Buyers...)
	snap := a.Clone()
	b.mu.Unlock()

	b.log.Debugw("price_announced", "auction", req.AuctionID,
		"round", req.RoundID, "price", auction.FormatPrice(req.Price))
	b.notifier.Publish(watch.Event{Type: watch.EventPrice, Auction: snap})
}

// HandleFinish adopts the terminal state. Idempotent: a duplicate finish
// rewrites the same values.
func (b *Buyer) HandleFinish(req *auction.FinishRequest) {
	b.mu.Lock()
	a, ok := b.auctions[req.AuctionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	a.Finished = true
	a.Winner = req.Winner
	a.TransactionPrice = req.Price
	a.Buyers = append([]auction.BuyerStatus(nil), req.Buyers...)
	snap := a.Clone()
	b.mu.Unlock()

	b.log.Infow("auction_finished", "auction", req.AuctionID,
		"winner", req.Winner, "price", auction.FormatPrice(req.Price))
	b.notifier.Publish(watch.Event{Type: watch.EventFinished, Auction: snap})
}

// ---- withdraw forwarding ----

// Withdraw sends the buyer's withdrawal to the auction's seller and
// returns the seller's verdict unchanged.
func (b *Buyer) Withdraw(auctionID int64) (auction.Ack, error) {
	b.mu.Lock()
	a, ok := b.auctions[auctionID]
	if !ok {
		b.mu.Unlock()
		return auction.Ack{Message: fmt.Sprintf("Auction %d does not exist.", auctionID)}, nil
	}
	sellerName := a.Seller
	b.mu.Unlock()

	conn, err := b.connFor(sellerName)
	if err != nil {
		return auction.Ack{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	defer cancel()
	ack, err := conn.Withdraw(ctx, &auction.WithdrawRequest{AuctionID: auctionID, Username: b.username})
	if err != nil {
		return auction.Ack{}, fmt.Errorf("withdraw from %s: %w", sellerName, err)
	}
	return ack, nil
}

// ---- stub cache ----

func (b *Buyer) connFor(username string) (SellerConn, error) {
	b.mu.Lock()
	conn, ok := b.conns[username]
	b.mu.Unlock()
	if ok {
		return conn, nil
	}

	addr, err := b.dir.UserAddress(username)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", username, err)
	}
	conn = b.dial(addr)

	b.mu.Lock()
	b.addrs[username] = addr
	b.conns[username] = conn
	b.mu.Unlock()
	return conn, nil
}

func (b *Buyer) refreshConn(username string) {
	addr, err := b.dir.UserAddress(username)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addrs[username] == addr {
		return
	}
	b.addrs[username] = addr
	b.conns[username] = b.dial(addr)
}
