// Package seller runs the live side of an auction: the per-auction price
// driver, the withdraw endpoint buyers call, the finish path, and the
// mirror of the seller's auctions reconciled from the platform.
package seller

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

// Directory is the slice of the platform the seller uses.
type Directory interface {
	Login(username, address string) (platform.Reply, error)
	SellerFetchAuctions(username string) ([]platform.Record, error)
	UserAddress(username string) (string, error)
	CreateAuction(cmd platform.Command) (platform.Reply, error)
	StartAuction(username string, auctionID int64) (platform.Reply, error)
	FinishAuction(username string, rec platform.Record) (platform.Reply, error)
	UpdateAuction(username string, rec platform.Record) (platform.Reply, error)
}

// BuyerConn is the outbound RPC surface of one buyer process.
type BuyerConn interface {
	AnnouncePrice(ctx context.Context, req *auction.AnnounceRequest) error
	FinishAuction(ctx context.Context, req *auction.FinishRequest) error
}

// Dialer turns a resolved network address into a BuyerConn.
type Dialer func(addr string) BuyerConn

const (
	announceTimeout   = 2 * time.Second
	finishReportPause = 500 * time.Millisecond
)

// Seller owns its auctions while they are live. One mutex guards the
// mirror and the stub cache; every outbound RPC is issued on a snapshot
// taken under the lock and sent with the lock released.
type Seller struct {
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
	conns    map[string]BuyerConn
	drivers  map[int64]bool
	// finished marks auctions whose terminal transition already ran here,
	// so concurrent withdraw and driver exits cannot finish one twice.
	finished map[int64]bool

	poke      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(username string, dir Directory, dial Dialer, notifier *watch.Notifier, logger *zap.SugaredLogger) *Seller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = watch.NewNotifier()
	}
	return &Seller{
		Clock:          util.RealClock{},
		username:       username,
		dir:            dir,
		dial:           dial,
		notifier:       notifier,
		log:            logger.Named("seller").With("user", username),
		reconcileEvery: time.Second,
		auctions:       make(map[int64]*auction.Auction),
		addrs:          make(map[string]string),
		conns:          make(map[string]BuyerConn),
		drivers:        make(map[int64]bool),
		finished:       make(map[int64]bool),
		poke:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (s *Seller) Username() string { return s.username }

// SetReconcileInterval overrides the mirror refresh period. Call before Start.
func (s *Seller) SetReconcileInterval(d time.Duration) {
	if d > 0 {
		s.reconcileEvery = d
	}
}

func (s *Seller) Notifier() *watch.Notifier { return s.notifier }

// Login registers the seller's inbound RPC address with the platform.
func (s *Seller) Login(listenAddr string) error {
	reply, err := s.dir.Login(s.username, listenAddr)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("login rejected: %s", reply.Message)
	}
	s.log.Infow("logged_in", "address", listenAddr)
	return nil
}

// Start launches the reconciliation loop.
func (s *Seller) Start() {
	s.wg.Add(1)
	go s.runReconcile()
}

func (s *Seller) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Auctions returns the mirror sorted by id, cloned.
func (s *Seller) Auctions() []*auction.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auction.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Auction returns a clone of one record, if mirrored.
func (s *Seller) Auction(id int64) (*auction.Auction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// CreateAuction submits the listing to the platform and pokes the
// reconciler so the assigned id shows up promptly.
func (s *Seller) CreateAuction(name string, item auction.Item, basePrice, increment, periodMs int64) (platform.Reply, error) {
	reply, err := s.dir.CreateAuction(platform.Command{
		Username:        s.username,
		AuctionName:     name,
		ItemName:        item.Name,
		ItemDescription: item.Description,
		BasePrice:       basePrice,
		Increment:       increment,
		PeriodMs:        periodMs,
	})
	if err == nil && reply.Success {
		s.Poke()
	}
	return reply, err
}

// StartAuction moves the auction to live through the platform, adopts the
// returned record, and spawns the price driver. The first announce of the
// driver carries round 0 at the base price.
func (s *Seller) StartAuction(id int64) error {
	reply, err := s.dir.StartAuction(s.username, id)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("start rejected: %s", reply.Message)
	}
	if reply.Auction == nil {
		return fmt.Errorf("start reply for auction %d carried no record", id)
	}

	a := reply.Auction.ToAuction()
	a.Started = true
	if a.RoundID < 0 {
		a.RoundID = 0
	}

	s.mu.Lock()
	if local, ok := s.auctions[id]; ok && local.Live() {
		// Idempotent start: the driver already runs.
		s.mu.Unlock()
		return nil
	}
	s.auctions[id] = a
	snap := a.Clone()
	s.startDriverLocked(id)
	s.mu.Unlock()

	s.notifier.Publish(watch.Event{Type: watch.EventStarted, Auction: snap})
	s.reportUpdate(snap)
	return nil
}

// ResumeAuction restarts the driver of a live auction recovered after a
// process restart, preserving round and price.
func (s *Seller) ResumeAuction(id int64) error {
	s.mu.Lock()
	a, ok := s.auctions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no auction %d", id)
	}
	if !a.Live() {
		s.mu.Unlock()
		return fmt.Errorf("auction %d is not live", id)
	}
	a.Resume = false
	s.startDriverLocked(id)
	s.mu.Unlock()
	s.log.Infow("auction_resumed", "auction", id)
	return nil
}

// FinishAuction ends a live auction early from the control API. The
// terminal transition runs through the same path the withdraw logic
// takes, so winner selection and the fan-outs behave identically.
func (s *Seller) FinishAuction(id int64) error {
	s.mu.Lock()
	a, ok := s.auctions[id]
	switch {
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("no auction %d", id)
	case a.Finished:
		s.mu.Unlock()
		return fmt.Errorf("auction %d has already finished", id)
	case !a.Started:
		s.mu.Unlock()
		return fmt.Errorf("auction %d has not started yet", id)
	}
	s.mu.Unlock()
	s.finish(id)
	return nil
}

// ReportAuction pushes the current local record to the platform on
// demand. Unlike the automatic best-effort reports, the platform's
// verdict is surfaced to the caller.
func (s *Seller) ReportAuction(id int64) error {
	s.mu.Lock()
	a, ok := s.auctions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no auction %d", id)
	}
	snap := a.Clone()
	s.mu.Unlock()

	reply, err := s.dir.UpdateAuction(s.username, platform.FullRecord(snap))
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("update rejected: %s", reply.Message)
	}
	return nil
}

func (s *Seller) startDriverLocked(id int64) {
	if s.drivers[id] {
		return
	}
	s.drivers[id] = true
	s.wg.Add(1)
	go s.runDriver(id)
}

// Poke requests an immediate reconciliation pass.
func (s *Seller) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// ---- withdraw ----

// Withdraw is the endpoint buyers (and the driver's implicit-withdrawal
// path) call. The decision runs atomically under the store lock; the
// follow-up fan-outs run with the lock released.
func (s *Seller) Withdraw(auctionID int64, username string) (bool, string) {
	s.mu.Lock()
	a, ok := s.auctions[auctionID]
	switch {
	case !ok:
		s.mu.Unlock()
		return false, fmt.Sprintf("This seller does not have auction %d.", auctionID)
	case !a.HasBuyer(username):
		s.mu.Unlock()
		return false, fmt.Sprintf("Buyer %s did not join auction %d.", username, auctionID)
	case a.Finished:
		s.mu.Unlock()
		return false, fmt.Sprintf("Auction %d has already finished.", auctionID)
	case !a.Started:
		s.mu.Unlock()
		return false, fmt.Sprintf("Auction %d has not started yet.", auctionID)
	case !a.BuyerActive(username):
		// Retransmitted withdrawal; nothing changes.
		s.mu.Unlock()
		return true, "Success: already withdrew."
	}

	if a.ActiveBuyers() == 1 {
		// The sole active buyer is the winner. The attempt fails, and the
		// auction ends here.
		a.Finished = true
		s.mu.Unlock()
		s.log.Infow("sole_buyer_withdraw_refused", "auction", auctionID, "buyer", username)
		go s.finish(auctionID)
		return false, "Cannot withdraw: you are the only active buyer (winner) in the auction."
	}

	a.Deactivate(username)
	remaining := a.ActiveBuyers()
	snap := a.Clone()
	s.mu.Unlock()

	s.log.Infow("buyer_withdrawn", "auction", auctionID, "buyer", username, "active_left", remaining)
	s.notifier.Publish(watch.Event{Type: watch.EventWithdrawn, Auction: snap})

	if remaining == 1 {
		go s.finish(auctionID)
	}
	// Catch-up broadcast so the surviving buyers see the new status
	// before the next driver tick. No acknowledgement required.
	s.announceAll(auctionID, false)
	s.reportUpdate(snap)
	return true, "Success"
}

// ---- price driver ----

// runDriver is the per-live-auction loop: announce with acknowledgement,
// sleep one period, advance round and price. It exits when the auction
// finishes.
func (s *Seller) runDriver(id int64) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.drivers, id)
		s.mu.Unlock()
	}()
	s.log.Infow("driver_started", "auction", id)

	for {
		req, period, finished := s.announceSnapshot(id)
		if finished {
			break
		}

		// Ack-required fan-out: a buyer that cannot acknowledge the price
		// is treated as withdrawn.
		for _, b := range s.fanOutAnnounce(req, true) {
			s.log.Infow("buyer_unresponsive", "auction", id, "buyer", b)
			s.Withdraw(id, b)
		}

		if !s.sleep(period) {
			return
		}

		s.mu.Lock()
		a, ok := s.auctions[id]
		if !ok || a.Finished {
			s.mu.Unlock()
			break
		}
		a.RoundID++
		a.CurrentPrice += a.Increment
		snap := a.Clone()
		s.mu.Unlock()
		s.notifier.Publish(watch.Event{Type: watch.EventPrice, Auction: snap})
	}
	s.log.Infow("driver_stopped", "auction", id)
}

func (s *Seller) sleep(d time.Duration) bool {
	select {
	case <-s.Clock.After(d):
		return true
	case <-s.done:
		return false
	}
}

// announceSnapshot builds the round's announce under the lock.
func (s *Seller) announceSnapshot(id int64) (*auction.AnnounceRequest, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok || a.Finished {
		return nil, 0, true
	}
	req := &auction.AnnounceRequest{
		AuctionID: id,
		RoundID:   a.RoundID,
		Price:     a.CurrentPrice,
		Buyers:    a.CloneBuyers(),
	}
	return req, time.Duration(a.PeriodMs) * time.Millisecond, false
}

// fanOutAnnounce sends req to every buyer on the snapshot concurrently and
// waits for the round to settle. With requireAck it returns the buyers
// whose acknowledgement failed; without, failures are only logged.
func (s *Seller) fanOutAnnounce(req *auction.AnnounceRequest, requireAck bool) []string {
	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []string
	)
	for _, b := range req.Buyers {
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			err := s.callBuyer(username, func(ctx context.Context, conn BuyerConn) error {
				return conn.AnnouncePrice(ctx, req)
			})
			if err == nil {
				return
			}
			if !requireAck {
				s.log.Debugw("announce_catchup_failed", "auction", req.AuctionID, "buyer", username, "err", err)
				return
			}
			failMu.Lock()
			failed = append(failed, username)
			failMu.Unlock()
		}(b.Username)
	}
	wg.Wait()
	return failed
}

// announceAll is the non-acknowledged catch-up broadcast after a withdraw.
func (s *Seller) announceAll(id int64, requireAck bool) {
	req, _, finished := s.announceSnapshot(id)
	if finished {
		return
	}
	s.fanOutAnnounce(req, requireAck)
}

// ---- finish ----

// finish runs the terminal transition once: winner and price under the
// lock, then the buyer fan-out and the durable platform report.
func (s *Seller) finish(id int64) {
	s.mu.Lock()
	a, ok := s.auctions[id]
	if !ok || s.finished[id] {
		s.mu.Unlock()
		return
	}
	s.finished[id] = true
	a.Finished = true
	if winner, sole := a.SoleActiveBuyer(); sole {
		a.Winner = winner
		a.TransactionPrice = a.CurrentPrice
	} else {
		a.Winner = ""
		a.TransactionPrice = a.BasePrice
	}
	snap := a.Clone()
	s.mu.Unlock()

	s.log.Infow("auction_finishing", "auction", id,
		"winner", snap.Winner, "price", auction.FormatPrice(snap.TransactionPrice))
	s.notifier.Publish(watch.Event{Type: watch.EventFinished, Auction: snap})

	req := &auction.FinishRequest{
		AuctionID: id,
		Winner:    snap.Winner,
		Price:     snap.TransactionPrice,
		Buyers:    snap.CloneBuyers(),
	}
	var wg sync.WaitGroup
	for _, b := range snap.Buyers {
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			err := s.callBuyer(username, func(ctx context.Context, conn BuyerConn) error {
				return conn.FinishAuction(ctx, req)
			})
			if err != nil {
				s.log.Debugw("finish_notify_failed", "auction", id, "buyer", username, "err", err)
			}
		}(b.Username)
	}
	wg.Wait()

	s.reportFinish(snap)
}

// reportFinish pushes the terminal record into the consensus log, retrying
// until a leader acknowledges. The durable directory must not miss a
// finished auction.
func (s *Seller) reportFinish(snap *auction.Auction) {
	rec := platform.FullRecord(snap)
	for {
		reply, err := s.dir.FinishAuction(s.username, rec)
		if err == nil && reply.Success {
			s.log.Infow("finish_reported", "auction", snap.ID)
			return
		}
		if err != nil {
			s.log.Warnw("finish_report_failed", "auction", snap.ID, "err", err)
		} else {
			s.log.Warnw("finish_report_rejected", "auction", snap.ID, "message", reply.Message)
		}
		if !s.sleep(finishReportPause) {
			return
		}
	}
}

// reportUpdate mirrors live state to the platform, best-effort.
func (s *Seller) reportUpdate(snap *auction.Auction) {
	rec := platform.FullRecord(snap)
	if _, err := s.dir.UpdateAuction(s.username, rec); err != nil {
		s.log.Debugw("update_report_failed", "auction", snap.ID, "err", err)
	}
}

// ---- stub cache ----

// callBuyer resolves the buyer's conn (cached, else directory lookup plus
// dial) and invokes fn with a bounded context. No lock is held during the
// RPC.
func (s *Seller) callBuyer(username string, fn func(context.Context, BuyerConn) error) error {
	conn, err := s.connFor(username)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	return fn(ctx, conn)
}

func (s *Seller) connFor(username string) (BuyerConn, error) {
	s.mu.Lock()
	conn, ok := s.conns[username]
	s.mu.Unlock()
	if ok {
		return conn, nil
	}

	addr, err := s.dir.UserAddress(username)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", username, err)
	}
	conn = s.dial(addr)

	s.mu.Lock()
	s.addrs[username] = addr
	s.conns[username] = conn
	s.mu.Unlock()
	return conn, nil
}

// refreshConn re-resolves username and replaces the stub if it moved.
func (s *Seller) refreshConn(username string) {
	addr, err := s.dir.UserAddress(username)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addrs[username] == addr {
		return
	}
	s.addrs[username] = addr
	s.conns[username] = s.dial(addr)
}
