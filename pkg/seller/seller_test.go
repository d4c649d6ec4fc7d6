package seller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gavelnet/gavel/pkg/auction"
	"github.com/gavelnet/gavel/pkg/platform"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeDirectory stands in for the platform client.
type fakeDirectory struct {
	mu       sync.Mutex
	addrs    map[string]string
	records  []platform.Record
	finishes []platform.Record
	updates  []platform.Record

	// rejectFinishes makes the first n finish reports bounce, exercising
	// the seller's retry loop.
	rejectFinishes int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{addrs: make(map[string]string)}
}

func (d *fakeDirectory) Login(string, string) (platform.Reply, error) {
	return platform.Reply{Success: true, IsLeader: true}, nil
}

func (d *fakeDirectory) SellerFetchAuctions(string) ([]platform.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]platform.Record(nil), d.records...), nil
}

func (d *fakeDirectory) UserAddress(username string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, ok := d.addrs[username]
	if !ok {
		return "", fmt.Errorf("User %s does not exist.", username)
	}
	return addr, nil
}

func (d *fakeDirectory) CreateAuction(platform.Command) (platform.Reply, error) {
	return platform.Reply{Success: true, IsLeader: true, Message: "Auction 1 successfully created."}, nil
}

func (d *fakeDirectory) StartAuction(_ string, auctionID int64) (platform.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.records {
		if d.records[i].ID == auctionID {
			d.records[i].Started = true
			rec := d.records[i]
			return platform.Reply{Success: true, IsLeader: true, Auction: &rec}, nil
		}
	}
	return platform.Reply{IsLeader: true, Message: fmt.Sprintf("Auction %d does not exist.", auctionID)}, nil
}

func (d *fakeDirectory) FinishAuction(_ string, rec platform.Record) (platform.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejectFinishes > 0 {
		d.rejectFinishes--
		return platform.Reply{}, errors.New("no leader among 3 replicas")
	}
	d.finishes = append(d.finishes, rec)
	return platform.Reply{Success: true, IsLeader: true}, nil
}

func (d *fakeDirectory) UpdateAuction(_ string, rec platform.Record) (platform.Reply, error) {
	d.mu.Lock()
	d.updates = append(d.updates, rec)
	d.mu.Unlock()
	return platform.Reply{Success: true, IsLeader: true}, nil
}

func (d *fakeDirectory) finishCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.finishes)
}

func (d *fakeDirectory) lastFinish() platform.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finishes[len(d.finishes)-1]
}

// fakeBuyerConn records inbound peer RPCs and can start failing
// acknowledgements at a configured round.
type fakeBuyerConn struct {
	mu        sync.Mutex
	announces []auction.AnnounceRequest
	finishes  []auction.FinishRequest
	failFrom  int64
}

func newFakeConn() *fakeBuyerConn {
	return &fakeBuyerConn{failFrom: 1 << 62}
}

func (c *fakeBuyerConn) AnnouncePrice(_ context.Context, req *auction.AnnounceRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.RoundID >= c.failFrom {
		return errors.New("connection refused")
	}
	c.announces = append(c.announces, *req)
	return nil
}

func (c *fakeBuyerConn) FinishAuction(_ context.Context, req *auction.FinishRequest) error {
	c.mu.Lock()
	c.finishes = append(c.finishes, *req)
	c.mu.Unlock()
	return nil
}

func (c *fakeBuyerConn) announceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.announces)
}

func (c *fakeBuyerConn) announceAt(i int) auction.AnnounceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announces[i]
}

func (c *fakeBuyerConn) finishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finishes)
}

// deadConn is dialed for addresses no fake was registered under.
type deadConn struct{}

func (deadConn) AnnouncePrice(context.Context, *auction.AnnounceRequest) error {
	return errors.New("no route")
}
func (deadConn) FinishAuction(context.Context, *auction.FinishRequest) error {
	return errors.New("no route")
}

type harness struct {
	seller *Seller
	dir    *fakeDirectory
	conns  map[string]*fakeBuyerConn
}

func newHarness(t *testing.T, buyers ...string) *harness {
	t.Helper()
	dir := newFakeDirectory()
	conns := make(map[string]*fakeBuyerConn)
	for _, b := range buyers {
		addr := "fake://" + b
		dir.addrs[b] = addr
		conns[addr] = newFakeConn()
	}
	dial := func(addr string) BuyerConn {
		if c, ok := conns[addr]; ok {
			return c
		}
		return deadConn{}
	}
	s := New("alice", dir, dial, nil, nil)
	t.Cleanup(s.Close)
	return &harness{seller: s, dir: dir, conns: conns}
}

func (h *harness) conn(buyer string) *fakeBuyerConn { return h.conns["fake://"+buyer] }

// install puts an auction straight into the mirror.
func (h *harness) install(a *auction.Auction) {
	h.seller.mu.Lock()
	h.seller.auctions[a.ID] = a
	h.seller.mu.Unlock()
}

func liveAuction(buyers ...string) *auction.Auction {
	a := auction.New("estate sale", "alice", auction.Item{Name: "clock"}, 1000, 50, 20)
	a.ID = 1
	a.Started = true
	a.RoundID = 4
	a.CurrentPrice = 1200
	for _, b := range buyers {
		a.AddBuyer(b)
	}
	return a
}

// ---- withdraw decision table ----

func TestWithdrawUnknownAuction(t *testing.T) {
	h := newHarness(t)
	ok, msg := h.seller.Withdraw(7, "bob")
	if ok || msg != "This seller does not have auction 7." {
		t.Fatalf("withdraw = %v %q", ok, msg)
	}
}

func TestWithdrawNonParticipant(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))
	ok, msg := h.seller.Withdraw(1, "mallory")
	if ok || msg != "Buyer mallory did not join auction 1." {
		t.Fatalf("withdraw = %v %q", ok, msg)
	}
}

func TestWithdrawBeforeStart(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	a := liveAuction("bob", "carol")
	a.Started = false
	a.RoundID = -1
	h.install(a)
	ok, msg := h.seller.Withdraw(1, "bob")
	if ok || msg != "Auction 1 has not started yet." {
		t.Fatalf("withdraw = %v %q", ok, msg)
	}
}

func TestWithdrawAfterFinish(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	a := liveAuction("bob", "carol")
	a.Finished = true
	h.install(a)
	ok, msg := h.seller.Withdraw(1, "bob")
	if ok || msg != "Auction 1 has already finished." {
		t.Fatalf("withdraw = %v %q", ok, msg)
	}
}

func TestWithdrawRetransmit(t *testing.T) {
	h := newHarness(t, "bob", "carol", "dave")
	a := liveAuction("bob", "carol", "dave")
	a.Deactivate("bob")
	h.install(a)
	ok, msg := h.seller.Withdraw(1, "bob")
	if !ok || msg != "Success: already withdrew." {
		t.Fatalf("retransmitted withdraw = %v %q", ok, msg)
	}
}

func TestWithdrawDeactivatesAndBroadcasts(t *testing.T) {
	h := newHarness(t, "bob", "carol", "dave")
	h.install(liveAuction("bob", "carol", "dave"))

	ok, msg := h.seller.Withdraw(1, "bob")
	if !ok || msg != "Success" {
		t.Fatalf("withdraw = %v %q", ok, msg)
	}

	a, _ := h.seller.Auction(1)
	if a.BuyerActive("bob") || !a.HasBuyer("bob") {
		t.Fatal("bob should be listed but inactive")
	}
	if a.Finished {
		t.Fatal("two active buyers remain, auction must stay live")
	}

	// The catch-up broadcast went out before Withdraw returned and shows
	// the new status to the survivors.
	if h.conn("carol").announceCount() == 0 {
		t.Fatal("carol missed the catch-up broadcast")
	}
	last := h.conn("carol").announceAt(h.conn("carol").announceCount() - 1)
	for _, b := range last.Buyers {
		if b.Username == "bob" && b.Active {
			t.Fatal("catch-up broadcast still shows bob active")
		}
	}
}

func TestWithdrawSoleBuyerRefused(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))

	ok, msg := h.seller.Withdraw(1, "bob")
	if ok {
		t.Fatal("sole active buyer withdrew")
	}
	if !strings.Contains(msg, "only active buyer") {
		t.Fatalf("refusal message = %q", msg)
	}

	// The refusal ends the auction: bob wins at the current price.
	waitFor(t, 3*time.Second, "finish report", func() bool { return h.dir.finishCount() == 1 })
	rec := h.dir.lastFinish()
	if !rec.Finished || rec.Winner != "bob" || rec.TransactionPrice != 1200 {
		t.Fatalf("terminal record = finished=%v winner=%q price=%d", rec.Finished, rec.Winner, rec.TransactionPrice)
	}
	waitFor(t, time.Second, "finish notification to bob", func() bool {
		return h.conn("bob").finishCount() == 1
	})
}

func TestWithdrawLeavingOneFinishes(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	h.install(liveAuction("bob", "carol"))

	ok, _ := h.seller.Withdraw(1, "bob")
	if !ok {
		t.Fatal("withdraw refused with another active buyer present")
	}

	waitFor(t, 3*time.Second, "auto finish", func() bool { return h.dir.finishCount() == 1 })
	rec := h.dir.lastFinish()
	if rec.Winner != "carol" || rec.TransactionPrice != 1200 {
		t.Fatalf("winner = %q at %d, want carol at 1200", rec.Winner, rec.TransactionPrice)
	}
}

// ---- price driver ----

func startDriver(h *harness, id int64) {
	h.seller.mu.Lock()
	h.seller.startDriverLocked(id)
	h.seller.mu.Unlock()
}

func TestDriverAnnouncesEveryPeriod(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	a := liveAuction("bob", "carol")
	a.RoundID = 0
	a.CurrentPrice = a.BasePrice
	a.PeriodMs = 5
	h.install(a)
	startDriver(h, 1)

	waitFor(t, 3*time.Second, "three rounds", func() bool {
		return h.conn("bob").announceCount() >= 3
	})
	for i := 0; i < 3; i++ {
		got := h.conn("bob").announceAt(i)
		if got.RoundID != int64(i) {
			t.Fatalf("announce %d carried round %d", i, got.RoundID)
		}
		if want := a.BasePrice + int64(i)*a.Increment; got.Price != want {
			t.Fatalf("round %d price = %d, want %d", i, got.Price, want)
		}
	}
}

func TestDriverWithdrawsUnresponsiveBuyers(t *testing.T) {
	h := newHarness(t, "ann", "bea", "cal")
	a := liveAuction("ann", "bea", "cal")
	a.RoundID = 0
	a.CurrentPrice = a.BasePrice
	a.PeriodMs = 50
	h.install(a)

	// bea stops acknowledging at round 2, cal at round 3. Each failed
	// acknowledgement is an implicit withdrawal; cal's leaves ann alone
	// and the auction finishes at the round-3 price.
	h.conn("bea").failFrom = 2
	h.conn("cal").failFrom = 3
	startDriver(h, 1)

	waitFor(t, 5*time.Second, "auction to finish", func() bool { return h.dir.finishCount() >= 1 })
	rec := h.dir.lastFinish()
	if rec.Winner != "ann" {
		t.Fatalf("winner = %q, want ann", rec.Winner)
	}
	if want := a.BasePrice + 3*a.Increment; rec.TransactionPrice != want {
		t.Fatalf("transaction price = %d, want %d", rec.TransactionPrice, want)
	}
	for _, b := range *rec.Buyers {
		if b.Username != "ann" && b.Active {
			t.Fatalf("%s still active in the terminal record", b.Username)
		}
	}
}

func TestResumeAuctionRestartsDriver(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	a := liveAuction("bob", "carol")
	a.PeriodMs = 5
	a.Resume = true
	h.install(a)

	if err := h.seller.ResumeAuction(1); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := h.seller.Auction(1)
	if got.Resume {
		t.Fatal("resume hint survived the resume")
	}

	// The driver picks up where the old process stopped.
	waitFor(t, 3*time.Second, "announcements after resume", func() bool {
		return h.conn("bob").announceCount() >= 1
	})
	first := h.conn("bob").announceAt(0)
	if first.RoundID != 4 || first.Price != 1200 {
		t.Fatalf("first resumed announce = round %d price %d, want round 4 price 1200", first.RoundID, first.Price)
	}
}

func TestResumeRejectsNonLive(t *testing.T) {
	h := newHarness(t)
	a := liveAuction("bob")
	a.Finished = true
	h.install(a)
	if err := h.seller.ResumeAuction(1); err == nil {
		t.Fatal("resumed a finished auction")
	}
	if err := h.seller.ResumeAuction(9); err == nil {
		t.Fatal("resumed a missing auction")
	}
}

// ---- finish reporting ----

func TestFinishReportRetriesUntilAcked(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))
	h.dir.mu.Lock()
	h.dir.rejectFinishes = 2
	h.dir.mu.Unlock()

	h.seller.finish(1)

	if got := h.dir.finishCount(); got != 1 {
		t.Fatalf("finish reports recorded = %d, want 1 after retries", got)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))

	h.seller.finish(1)
	h.seller.finish(1)

	if got := h.dir.finishCount(); got != 1 {
		t.Fatalf("finish reports = %d, want 1", got)
	}
	if got := h.conn("bob").finishCount(); got != 1 {
		t.Fatalf("buyer notifications = %d, want 1", got)
	}
}

func TestFinishWithNoActiveBuyers(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	a := liveAuction("bob", "carol")
	a.Deactivate("bob")
	a.Deactivate("carol")
	h.install(a)

	h.seller.finish(1)

	rec := h.dir.lastFinish()
	if rec.Winner != "" {
		t.Fatalf("winner = %q, want none", rec.Winner)
	}
	if rec.TransactionPrice != a.BasePrice {
		t.Fatalf("price = %d, want base %d", rec.TransactionPrice, a.BasePrice)
	}
}

func TestFinishAuctionFromControlAPI(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))

	if err := h.seller.FinishAuction(1); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec := h.dir.lastFinish()
	if rec.Winner != "bob" || rec.TransactionPrice != 1200 {
		t.Fatalf("winner = %q at %d, want bob at 1200", rec.Winner, rec.TransactionPrice)
	}
	if err := h.seller.FinishAuction(1); err == nil {
		t.Fatal("second finish accepted")
	}
}

func TestFinishAuctionRequiresStart(t *testing.T) {
	h := newHarness(t)
	a := auction.New("estate sale", "alice", auction.Item{Name: "clock"}, 1000, 50, 20)
	a.ID = 1
	h.install(a)
	if err := h.seller.FinishAuction(1); err == nil {
		t.Fatal("finished an auction that never started")
	}
	if err := h.seller.FinishAuction(9); err == nil {
		t.Fatal("finished a missing auction")
	}
}

func TestReportAuctionPushesRecord(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))

	if err := h.seller.ReportAuction(1); err != nil {
		t.Fatalf("report: %v", err)
	}
	h.dir.mu.Lock()
	last := h.dir.updates[len(h.dir.updates)-1]
	h.dir.mu.Unlock()
	if last.ID != 1 || last.RoundID == nil || *last.RoundID != 4 {
		t.Fatalf("reported record = %+v", last)
	}
	if err := h.seller.ReportAuction(9); err == nil {
		t.Fatal("reported a missing auction")
	}
}

// ---- reconciliation ----

func TestReconcileCopiesNewAuctions(t *testing.T) {
	h := newHarness(t, "bob")

	created := auction.New("estate sale", "alice", auction.Item{Name: "clock"}, 1000, 50, 20)
	created.ID = 1
	live := liveAuction("bob")
	live.ID = 2
	h.dir.mu.Lock()
	h.dir.records = []platform.Record{platform.FullRecord(created), platform.FullRecord(live)}
	h.dir.mu.Unlock()

	h.seller.reconcileOnce()

	a, ok := h.seller.Auction(1)
	if !ok || a.Started || a.Resume {
		t.Fatalf("pre-start copy = ok=%v started=%v resume=%v", ok, a != nil && a.Started, a != nil && a.Resume)
	}

	// A live auction with no local copy and no running driver is the
	// restart case: it surfaces as resumable.
	a, ok = h.seller.Auction(2)
	if !ok || !a.Resume {
		t.Fatal("recovered live auction should carry the resume hint")
	}
	if a.RoundID != 4 || a.CurrentPrice != 1200 {
		t.Fatalf("recovered live fields = round %d price %d", a.RoundID, a.CurrentPrice)
	}
}

func TestReconcileKeepsLocalLiveCopy(t *testing.T) {
	h := newHarness(t, "bob")
	local := liveAuction("bob")
	local.RoundID = 9
	local.CurrentPrice = 1450
	h.install(local)
	h.seller.mu.Lock()
	h.seller.drivers[1] = true
	h.seller.mu.Unlock()

	stale := liveAuction("bob") // the platform's older view
	h.dir.mu.Lock()
	h.dir.records = []platform.Record{platform.FullRecord(stale)}
	h.dir.mu.Unlock()

	h.seller.reconcileOnce()

	a, _ := h.seller.Auction(1)
	if a.RoundID != 9 || a.CurrentPrice != 1450 {
		t.Fatalf("live mirror overwritten: round %d price %d", a.RoundID, a.CurrentPrice)
	}
}

func TestReconcileAdoptsFinishedCopy(t *testing.T) {
	h := newHarness(t, "bob")
	h.install(liveAuction("bob"))

	done := liveAuction("bob")
	done.Finished = true
	done.Winner = "bob"
	done.TransactionPrice = 1200
	h.dir.mu.Lock()
	h.dir.records = []platform.Record{platform.FullRecord(done)}
	h.dir.mu.Unlock()

	h.seller.reconcileOnce()

	a, _ := h.seller.Auction(1)
	if !a.Finished || a.Winner != "bob" {
		t.Fatalf("finished copy not adopted: finished=%v winner=%q", a.Finished, a.Winner)
	}
}

func TestReconcileIgnoresOtherSellers(t *testing.T) {
	h := newHarness(t)
	other := liveAuction("bob")
	other.Seller = "mallory"
	h.dir.mu.Lock()
	h.dir.records = []platform.Record{platform.FullRecord(other)}
	h.dir.mu.Unlock()

	h.seller.reconcileOnce()

	if _, ok := h.seller.Auction(1); ok {
		t.Fatal("mirror adopted another seller's auction")
	}
}

// ---- start through the platform ----

func TestStartAuctionAdoptsRecordAndDrives(t *testing.T) {
	h := newHarness(t, "bob", "carol")
	created := auction.New("estate sale", "alice", auction.Item{Name: "clock"}, 1000, 50, 5)
	created.ID = 1
	created.AddBuyer("bob")
	created.AddBuyer("carol")
	h.dir.mu.Lock()
	h.dir.records = []platform.Record{platform.FullRecord(created)}
	h.dir.mu.Unlock()

	if err := h.seller.StartAuction(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, ok := h.seller.Auction(1)
	if !ok || !a.Live() {
		t.Fatal("started auction missing from the mirror")
	}
	if a.RoundID != 0 {
		t.Fatalf("round id after start = %d, want 0", a.RoundID)
	}

	// The first announcement carries round 0 at the base price.
	waitFor(t, 3*time.Second, "first announcement", func() bool {
		return h.conn("bob").announceCount() >= 1
	})
	first := h.conn("bob").announceAt(0)
	if first.RoundID != 0 || first.Price != 1000 {
		t.Fatalf("first announce = round %d price %d, want round 0 price 1000", first.RoundID, first.Price)
	}
}
