package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	cmnenv "skilltrade_server/server/common/env"
	commonlog "skilltrade_server/server/common/log"
	signalapp "skilltrade_server/server/signal/app"
)

func main() {
	if err := cmnenv.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	defer commonlog.Sync()

	cfg := signalapp.LoadConfig()
	signalServer, err := signalapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize signal server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start signal http server on :%s", cfg.Port)
		if err := signalServer.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run signal http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown signal server gracefully: %v", err)
	}
}
