package buyer

import "github.com/gavelnet/gavel/pkg/watch"

// runReconcile refreshes the mirror from the platform once a second, or
// immediately after a join/quit poke.
func (b *Buyer) runReconcile() {
	defer b.wg.Done()
	for {
		b.reconcileOnce()
		select {
		case <-b.Clock.After(b.reconcileEvery):
		case <-b.poke:
		case <-b.done:
			return
		}
	}
}

// reconcileOnce merges one platform fetch. A live auction seen for the
// first time is copied in (a restarted buyer catches up on first sight);
// once present, the seller's announcements own the live fields and the
// platform copy is ignored until it finishes.
func (b *Buyer) reconcileOnce() {
	records, err := b.dir.BuyerFetchAuctions(b.username)
	if err != nil {
		b.log.Debugw("reconcile_fetch_failed", "err", err)
		return
	}

	var sellers []string
	var events []*watch.Event

	b.mu.Lock()
	for i := range records {
		rec := &records[i]
		incoming := rec.ToAuction()

		local, ok := b.auctions[rec.ID]
		switch {
		case !ok:
			b.auctions[rec.ID] = incoming
			events = append(events, &watch.Event{Type: watch.EventSynced, Auction: incoming.Clone()})
		case incoming.Finished && !local.Finished:
			b.auctions[rec.ID] = incoming
			events = append(events, &watch.Event{Type: watch.EventFinished, Auction: incoming.Clone()})
		case !incoming.Started && !incoming.Finished:
			b.auctions[rec.ID] = incoming
		default:
			// Live and already mirrored: announces own it.
		}

		sellers = append(sellers, rec.Seller)
	}
	b.mu.Unlock()

	for _, ev := range events {
		b.notifier.Publish(*ev)
	}
	for _, sellerName := range sellers {
		b.refreshConn(sellerName)
	}
}
