package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/Replaycon/internal/broker"
	"github.com/BetterCallFirewall/Replaycon/internal/cert"
	"github.com/BetterCallFirewall/Replaycon/internal/config"
	"github.com/BetterCallFirewall/Replaycon/internal/flow"
	"github.com/BetterCallFirewall/Replaycon/internal/proxy"
	"github.com/BetterCallFirewall/Replaycon/internal/storage"
	"github.com/BetterCallFirewall/Replaycon/internal/web"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("load config", "error", err)
	}

	certMgr, err := cert.NewManager(cfg)
	if err != nil {
		log.Fatalw("init certificate authority", "error", err)
	}
	log.Infow("root certificate ready", "path", certMgr.CAPath())

	store := storage.NewFlowStore(cfg.Store.PersistFile, log)
	events := broker.New[flow.Summary](256)

	proxySrv := proxy.NewServer(cfg, store, certMgr, events, log)
	webSrv := web.NewServer(cfg, store, certMgr, events, log)

	errCh := make(chan error, 2)
	go func() {
		if err := proxySrv.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := webSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Errorw("server failed", "error", err)
	}

	if err := proxySrv.Stop(); err != nil {
		log.Warnw("proxy stop", "error", err)
	}
	if err := webSrv.Stop(); err != nil {
		log.Warnw("web stop", "error", err)
	}
	if err := store.Persist(); err != nil {
		log.Warnw("persist flows", "error", err)
	}
}
