package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	cmnenv "skilltrade_server/server/common/env"
	commonlog "skilltrade_server/server/common/log"
	matchapp "skilltrade_server/server/matchman/app"
)

func main() {
	if err := cmnenv.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	if err := run(); err != nil {
		commonlog.Sync()
		log.Fatalf("reindex: %v", err)
	}
	commonlog.Sync()
}

func run() error {
	cfg := matchapp.LoadConfig()
	if cfg.ProfileSource == "none" {
		cfg.ProfileSource = "mongo"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	svc, deps, err := matchapp.NewMatchingService(setupCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize matching service: %w", err)
	}
	defer deps.Close()
	defer svc.Close()

	started := time.Now()
	result, err := svc.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild vector store: %w", err)
	}
	commonlog.Infof("event=reindex action=rebuild status=ok count=%d reused=%d skipped=%d elapsed=%s",
		result.Count, result.Reused, result.Skipped, time.Since(started).Round(time.Millisecond))
	return nil
}
