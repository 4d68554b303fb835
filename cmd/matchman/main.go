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
	matchapp "skilltrade_server/server/matchman/app"
)

func main() {
	if err := cmnenv.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	defer commonlog.Sync()

	cfg := matchapp.LoadConfig()
	server, err := matchapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize matchman server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start matchman http server on :%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run matchman http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown matchman server gracefully: %v", err)
	}
}
