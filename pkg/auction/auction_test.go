package auction

import "testing"

func testAuction() *Auction {
	a := New("estate sale", "alice", Item{Name: "clock", Description: "mantel clock"}, 1000, 50, 100)
	a.ID = 1
	return a
}

func TestNewDefaults(t *testing.T) {
	a := testAuction()
	if !a.Created || a.Started || a.Finished {
		t.Fatalf("lifecycle flags = %v/%v/%v, want created only", a.Created, a.Started, a.Finished)
	}
	if a.RoundID != -1 {
		t.Fatalf("round id = %d, want -1 before the first announcement", a.RoundID)
	}
	if a.CurrentPrice != a.BasePrice {
		t.Fatalf("current price = %d, want base price %d", a.CurrentPrice, a.BasePrice)
	}
}

func TestBuyerMembership(t *testing.T) {
	a := testAuction()
	a.AddBuyer("bob")
	a.AddBuyer("carol")
	a.AddBuyer("bob") // duplicate join is a no-op

	if len(a.Buyers) != 2 {
		t.Fatalf("buyer count = %d, want 2", len(a.Buyers))
	}
	if !a.HasBuyer("bob") || !a.BuyerActive("bob") {
		t.Fatal("bob should be an active participant")
	}
	if a.HasBuyer("dave") {
		t.Fatal("dave never joined")
	}

	a.RemoveBuyer("bob")
	if a.HasBuyer("bob") {
		t.Fatal("bob should be gone after quitting")
	}
	if !a.HasBuyer("carol") {
		t.Fatal("removing bob dropped carol")
	}
}

func TestDeactivate(t *testing.T) {
	a := testAuction()
	a.AddBuyer("bob")

	if !a.Deactivate("bob") {
		t.Fatal("first deactivate should flip")
	}
	if a.Deactivate("bob") {
		t.Fatal("second deactivate should be a no-op")
	}
	if a.Deactivate("nobody") {
		t.Fatal("deactivating a stranger should be a no-op")
	}
	if !a.HasBuyer("bob") || a.BuyerActive("bob") {
		t.Fatal("bob should remain listed but inactive")
	}
}

func TestSoleActiveBuyer(t *testing.T) {
	a := testAuction()
	if _, ok := a.SoleActiveBuyer(); ok {
		t.Fatal("empty auction has no sole buyer")
	}

	a.AddBuyer("bob")
	a.AddBuyer("carol")
	if _, ok := a.SoleActiveBuyer(); ok {
		t.Fatal("two active buyers is not a sole buyer")
	}

	a.Deactivate("bob")
	winner, ok := a.SoleActiveBuyer()
	if !ok || winner != "carol" {
		t.Fatalf("sole buyer = %q/%v, want carol", winner, ok)
	}

	a.Deactivate("carol")
	if _, ok := a.SoleActiveBuyer(); ok {
		t.Fatal("all withdrawn leaves no sole buyer")
	}
}

func TestActiveBuyers(t *testing.T) {
	a := testAuction()
	a.AddBuyer("bob")
	a.AddBuyer("carol")
	a.AddBuyer("dave")
	a.Deactivate("carol")
	if got := a.ActiveBuyers(); got != 2 {
		t.Fatalf("active buyers = %d, want 2", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := testAuction()
	a.AddBuyer("bob")

	c := a.Clone()
	c.Buyers[0].Active = false
	c.CurrentPrice = 9999

	if !a.BuyerActive("bob") {
		t.Fatal("mutating the clone reached the original buyer list")
	}
	if a.CurrentPrice != 1000 {
		t.Fatal("mutating the clone reached the original price")
	}
}

func TestSameListing(t *testing.T) {
	a := testAuction()
	b := testAuction()
	b.ID = 42
	b.Started = true
	if !a.SameListing(b) {
		t.Fatal("identical listing fields should match regardless of id and lifecycle")
	}

	b = testAuction()
	b.BasePrice++
	if a.SameListing(b) {
		t.Fatal("different base price is a different listing")
	}

	b = testAuction()
	b.Seller = "mallory"
	if a.SameListing(b) {
		t.Fatal("different seller is a different listing")
	}
}

func TestLive(t *testing.T) {
	a := testAuction()
	if a.Live() {
		t.Fatal("created is not live")
	}
	a.Started = true
	if !a.Live() {
		t.Fatal("started and not finished is live")
	}
	a.Finished = true
	if a.Live() {
		t.Fatal("finished is not live")
	}
}

func TestFormatPrice(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{100, "$1.00"},
		{123456, "$1234.56"},
		{-250, "-$2.50"},
	}
	for _, c := range cases {
		if got := FormatPrice(c.cents); got != c.want {
			t.Errorf("FormatPrice(%d) = %q, want %q", c.cents, got, c.want)
		}
	}
}
