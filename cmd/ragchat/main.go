package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/comigor/ragchat-go/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args, os.Stdout); err != nil {
		logger.L.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
