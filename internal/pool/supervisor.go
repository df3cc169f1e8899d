package pool

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"contun/internal/domain"
	"contun/pkg/logger"
)

// Supervisor keeps exactly Options.Workers worker goroutines alive, each
// running its own independent dial-handshake-session loop.
type Supervisor struct {
	opts   Options
	log    *slog.Logger
	dialer net.Dialer
}

// NewSupervisor constructs a Supervisor for the provided options.
func NewSupervisor(opts Options, log *slog.Logger) *Supervisor {
	if log == nil {
		log = logger.Setup("pool")
	}
	return &Supervisor{
		opts:   opts,
		log:    log,
		dialer: net.Dialer{Timeout: 5 * time.Second},
	}
}

// Run launches workers and blocks until context cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("starting pool",
		"workers", s.opts.Workers, "mode", s.opts.Mode,
		"hub", hubAddress(s.opts))
	if s.opts.Mode == domain.ModeDirect && s.opts.DirectDestination != nil {
		s.log.Info("direct mode destination",
			"host", s.opts.DirectDestination.Host, "port", s.opts.DirectDestination.Port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := newWorker(id, s.opts, s.log.With("worker", id), s.dialer)
			w.run(ctx)
		}(i + 1)
	}

	wg.Wait()
	return ctx.Err()
}
