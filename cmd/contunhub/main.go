package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"contun/internal/domain"
	"contun/internal/hub"
	"contun/pkg/logger"
)

func main() {
	opts, err := hub.ParseArgs(os.Args[1:])
	if err != nil {
		if err == domain.ErrShowUsage {
			fmt.Println(hub.Usage())
			return
		}
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, hub.Usage())
		os.Exit(2)
	}

	log := logger.Setup("hub")
	log.Info("initializing contun hub")

	engine, err := hub.NewEngine(*opts, log)
	if err != nil {
		log.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		log.Error("hub stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	log.Info("hub shut down")
}
