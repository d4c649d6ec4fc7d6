// Package client holds the outbound HTTP side of the system: the platform
// client that hunts for the raft leader across replicas, and the peer
// clients sellers and buyers use to reach each other.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gavelnet/gavel/pkg/platform"
)

const (
	defaultAttempts   = 3 // full passes over the replica list
	defaultRetryPause = 100 * time.Millisecond
	defaultTimeout    = 2 * time.Second
)

// Platform finds the leading replica by trying: a transport error or an
// is_leader=false reply rotates to the next address. The last replica that
// answered as leader is tried first on the next call.
type Platform struct {
	addrs []string
	http  *http.Client
	log   *zap.SugaredLogger

	mu  sync.Mutex
	cur int
}

func NewPlatform(addrs []string, logger *zap.SugaredLogger) *Platform {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Platform{
		addrs: addrs,
		http:  &http.Client{Timeout: defaultTimeout},
		log:   logger.Named("platform_client"),
	}
}

// Do submits cmd, cycling replicas until one answers as leader. The retry
// carries the same command, which is safe: every op is idempotent or
// de-duplicated inside the state machine.
func (c *Platform) Do(cmd platform.Command) (platform.Reply, error) {
	var lastErr error
	for attempt := 0; attempt < defaultAttempts*len(c.addrs); attempt++ {
		addr := c.current()
		reply, err := c.post(addr, cmd)
		if err != nil {
			c.log.Debugw("replica_unreachable", "addr", addr, "op", cmd.Op, "err", err)
			lastErr = err
			c.rotate(attempt)
			continue
		}
		if !reply.IsLeader {
			lastErr = platform.ErrNotLeader
			c.rotate(attempt)
			continue
		}
		return reply, nil
	}
	return platform.Reply{}, fmt.Errorf("no leader among %d replicas: %w", len(c.addrs), lastErr)
}

func (c *Platform) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrs[c.cur]
}

func (c *Platform) rotate(attempt int) {
	c.mu.Lock()
	c.cur = (c.cur + 1) % len(c.addrs)
	c.mu.Unlock()
	// Pause between full passes so a cluster mid-election has a chance
	// to settle.
	if (attempt+1)%len(c.addrs) == 0 {
		time.Sleep(defaultRetryPause)
	}
}

func (c *Platform) post(addr string, cmd platform.Command) (platform.Reply, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return platform.Reply{}, err
	}
	resp, err := c.http.Post(addr+"/rpc/platform", "application/json", bytes.NewReader(body))
	if err != nil {
		return platform.Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return platform.Reply{}, fmt.Errorf("platform replied %s", resp.Status)
	}
	var reply platform.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return platform.Reply{}, err
	}
	return reply, nil
}

// ---- typed helpers ----

func (c *Platform) Login(username, address string) (platform.Reply, error) {
	return c.Do(platform.Command{Op: platform.OpLogin, Username: username, Address: address})
}

func (c *Platform) UserAddress(username string) (string, error) {
	reply, err := c.Do(platform.Command{Op: platform.OpGetUserAddress, Username: username})
	if err != nil {
		return "", err
	}
	if !reply.Success {
		return "", fmt.Errorf("%w: %s", platform.ErrUnknownUser, reply.Message)
	}
	return reply.Message, nil
}

func (c *Platform) BuyerFetchAuctions(username string) ([]platform.Record, error) {
	reply, err := c.Do(platform.Command{Op: platform.OpBuyerFetchAuctions, Username: username})
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownUser, reply.Message)
	}
	return reply.Auctions, nil
}

func (c *Platform) SellerFetchAuctions(username string) ([]platform.Record, error) {
	reply, err := c.Do(platform.Command{Op: platform.OpSellerFetchAuctions, Username: username})
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownUser, reply.Message)
	}
	return reply.Auctions, nil
}

func (c *Platform) JoinAuction(username string, auctionID int64) (platform.Reply, error) {
	return c.Do(platform.Command{Op: platform.OpBuyerJoinAuction, Username: username, AuctionID: auctionID})
}

func (c *Platform) QuitAuction(username string, auctionID int64) (platform.Reply, error) {
	return c.Do(platform.Command{Op: platform.OpBuyerQuitAuction, Username: username, AuctionID: auctionID})
}

// CreateAuction submits the six listing fields; the platform assigns the id.
func (c *Platform) CreateAuction(cmd platform.Command) (platform.Reply, error) {
	cmd.Op = platform.OpSellerCreateAuction
	return c.Do(cmd)
}

func (c *Platform) StartAuction(username string, auctionID int64) (platform.Reply, error) {
	return c.Do(platform.Command{Op: platform.OpSellerStartAuction, Username: username, AuctionID: auctionID})
}

func (c *Platform) FinishAuction(username string, rec platform.Record) (platform.Reply, error) {
	return c.Do(platform.Command{
		Op:        platform.OpSellerFinishAuction,
		Username:  username,
		AuctionID: rec.ID,
		Auction:   &rec,
	})
}

func (c *Platform) UpdateAuction(username string, rec platform.Record) (platform.Reply, error) {
	return c.Do(platform.Command{
		Op:        platform.OpSellerUpdateAuction,
		Username:  username,
		AuctionID: rec.ID,
		Auction:   &rec,
	})
}
