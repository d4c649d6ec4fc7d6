package seller

import "github.com/gavelnet/gavel/pkg/watch"

// runReconcile refreshes the mirror from the platform once a second (or on
// a poke after a control-API write) and keeps the buyer stub cache fresh.
func (s *Seller) runReconcile() {
	defer s.wg.Done()
	for {
		s.reconcileOnce()
		select {
		case <-s.Clock.After(s.reconcileEvery):
		case <-s.poke:
		case <-s.done:
			return
		}
	}
}

// reconcileOnce merges one platform fetch into the mirror. Per auction:
// absent locally means copy in; a finished platform copy always wins; a
// pre-start copy overwrites; a live copy is left alone, because this
// process owns live state.
func (s *Seller) reconcileOnce() {
	records, err := s.dir.SellerFetchAuctions(s.username)
	if err != nil {
		s.log.Debugw("reconcile_fetch_failed", "err", err)
		return
	}

	var buyers []string
	var synced []*watch.Event

	s.mu.Lock()
	for i := range records {
		rec := &records[i]
		if rec.Seller != s.username {
			continue
		}
		incoming := rec.ToAuction()

		local, ok := s.auctions[rec.ID]
		switch {
		case !ok:
			// A live auction showing up with no local copy means this
			// process restarted mid-auction; surface it as resumable.
			if incoming.Live() && !s.drivers[rec.ID] {
				incoming.Resume = true
			}
			if incoming.Finished {
				s.finished[rec.ID] = true
			}
			s.auctions[rec.ID] = incoming
			synced = append(synced, &watch.Event{Type: watch.EventSynced, Auction: incoming.Clone()})
		case incoming.Finished && !local.Finished:
			s.finished[rec.ID] = true
			s.auctions[rec.ID] = incoming
			synced = append(synced, &watch.Event{Type: watch.EventFinished, Auction: incoming.Clone()})
		case !incoming.Started && !incoming.Finished:
			s.auctions[rec.ID] = incoming
		default:
			// Live on the platform and present here: the local copy is
			// the source of truth.
		}

		for _, b := range s.auctions[rec.ID].Buyers {
			buyers = append(buyers, b.Username)
		}
	}
	s.mu.Unlock()

	for _, ev := range synced {
		s.notifier.Publish(*ev)
	}
	for _, b := range buyers {
		s.refreshConn(b)
	}
}
