package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/meshgate/gatewaysession/application"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("[gatewayd] signal received: %v, shutting down...\n", sig)
		cancel()
	}()

	app := application.New()
	if err := app.Run(); err != nil {
		log.Fatalf("[gatewayd] startup failed: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			app.Logger("gatewayd").Error("shutdown failed", zap.Error(err))
		}
	}()

	app.Logger("gatewayd").Info("gatewayd started")
	go func() {
		if err := app.Serve(ctx); err != nil {
			app.Logger("gatewayd").Error("device listener stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	app.Logger("gatewayd").Info("gatewayd exit")
}
