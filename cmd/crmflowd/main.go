package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/covecrm/crmflow/pkg/crmflow"
)

func main() {

	//you may do your own logger setup here or use this default one with slog
	crmflow.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := crmflow.Start(ctx); err != nil {
		slog.Error("Engine failed to start", "error", err)
		return
	}
	slog.Info("crmflow engine running")

	<-ctx.Done()
	slog.Info("Shutting down")
}
