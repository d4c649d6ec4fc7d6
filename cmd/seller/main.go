package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gavelnet/gavel/params"
	"github.com/gavelnet/gavel/pkg/client"
	"github.com/gavelnet/gavel/pkg/seller"
	"github.com/gavelnet/gavel/pkg/util"
	"github.com/gavelnet/gavel/pkg/watch"
)

func main() {
	cfg := params.LoadFromEnv("")
	if cfg.Client.Username == "" {
		log.Fatal("GAVEL_USERNAME is required")
	}

	logger, err := util.NewLogger(cfg.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	dir := client.NewPlatform(params.PlatformAddrsFromEnv(cfg), sugar)
	dial := func(addr string) seller.BuyerConn { return client.NewBuyerPeer(addr) }

	s := seller.New(cfg.Client.Username, dir, dial, watch.NewNotifier(), sugar)
	s.SetReconcileInterval(cfg.Client.ReconcileInterval)
	srv := seller.NewServer(s, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Login retries until the platform elects a leader and answers.
	listen := cfg.Client.Listen
	for {
		if err := s.Login("http://" + listen); err == nil {
			break
		} else {
			sugar.Warnw("login_failed_retrying", "err", err)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}

	s.Start()
	defer s.Close()
	defer srv.Close()

	go func() {
		if err := srv.Start(listen); err != nil {
			sugar.Fatalw("seller_server_failed", "err", err)
		}
	}()

	sugar.Infow("seller_running", "user", cfg.Client.Username, "listen", listen)
	<-ctx.Done()
	sugar.Info("shutting_down")
}
