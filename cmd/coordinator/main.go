package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/atlas/internal/config"
	"github.com/dreamware/atlas/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logFatal("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		logFatal("%v", err)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		logFatal("storage: %v", err)
	}

	srv := newServer(cfg, store, nil)
	if srv.liveness != nil {
		go srv.liveness.Start(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator %s listening on %s (storage: %s)", cfg.Daemon, cfg.Listen, backendName(cfg))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := srv.shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("coordinator stopped")
}

// openStore opens the configured backend and checks it is reachable. An
// unreachable backend is logged, not fatal: every storage call degrades on
// its own.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := store.Ping(pctx); err != nil {
		log.Printf("storage %s not reachable yet: %v", backendName(cfg), err)
	}
	return store, nil
}

func backendName(cfg config.Config) string {
	if cfg.Storage.Backend == "" {
		return "memory"
	}
	return cfg.Storage.Backend
}
