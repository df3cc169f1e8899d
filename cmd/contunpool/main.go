package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"contun/internal/domain"
	"contun/internal/pool"
	"contun/pkg/logger"
)

func main() {
	opts, err := pool.ParseArgs(os.Args[1:])
	if err != nil {
		if err == domain.ErrShowUsage {
			fmt.Println(pool.Usage())
			return
		}
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, pool.Usage())
		os.Exit(2)
	}

	log := logger.Setup("pool")
	log.Info("initializing contun pool")

	supervisor := pool.NewSupervisor(*opts, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx); err != nil && err != context.Canceled {
		log.Error("pool stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	log.Info("pool shut down")
}
