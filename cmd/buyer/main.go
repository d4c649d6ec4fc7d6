package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gavelnet/gavel/params"
	"github.com/gavelnet/gavel/pkg/buyer"
	"github.com/gavelnet/gavel/pkg/client"
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
	dial := func(addr string) buyer.SellerConn { return client.NewSellerPeer(addr) }

	b := buyer.New(cfg.Client.Username, dir, dial, watch.NewNotifier(), sugar)
	b.SetReconcileInterval(cfg.Client.ReconcileInterval)
	srv := buyer.NewServer(b, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := cfg.Client.Listen
	for {
		if err := b.Login("http://" + listen); err == nil {
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

	b.Start()
	defer b.Close()
	defer srv.Close()

	go func() {
		if err := srv.Start(listen); err != nil {
			sugar.Fatalw("buyer_server_failed", "err", err)
		}
	}()

	sugar.Infow("buyer_running", "user", cfg.Client.Username, "listen", listen)
	<-ctx.Done()
	sugar.Info("shutting_down")
}
