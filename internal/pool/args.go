// Package pool implements the bastion-side worker supervisor: it dials out
// to the hub, performs the HELLO handshake, and services REQUEST/REPLY
// cycles by dialing targets and splicing bytes.
package pool

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"contun/internal/domain"
)

var usageText = `Usage: contunpool [options]

Required:
  -p, --hub-port int        Hub listener port accepting pool workers

Direct mode:
  -t, --target-host string  Target hostname or IP the bastion can reach
  -T, --target-port int     Target port to proxy traffic to

Optional:
  -j, --hub-host string     Hub listener hostname or IP address (default "127.0.0.1")
  -m, --mode string         Operation mode: direct or socks (default "direct")
  -w, --workers int         Number of concurrent worker goroutines to keep alive (default 4)
  -r, --retry-delay float   Seconds to wait before re-dialling the hub after a failure (default 1)
  -h, --help                Show this help message and exit

contunpool maintains a pool of outbound connections from the bastion to the
hub. In direct mode each worker declares a fixed target and repeatedly
proxies streams to that host:port. In socks mode, workers accept
per-connection destinations supplied by the hub.`

// Usage returns the command line help text.
func Usage() string { return usageText }

// Options captures parsed CLI configuration for the pool supervisor.
type Options struct {
	HubHost    string
	HubPort    int
	Mode       domain.Mode
	Workers    int
	RetryDelay time.Duration

	DirectDestination *domain.Destination
}

// ParseArgs parses CLI arguments into Options.
func ParseArgs(args []string) (*Options, error) {
	fs := pflag.NewFlagSet("contunpool", pflag.ContinueOnError)
	fs.SetOutput(discardWriter{})
	fs.Usage = func() {}

	hubHost := fs.StringP("hub-host", "j", "127.0.0.1", "")
	hubPort := fs.IntP("hub-port", "p", 0, "")
	mode := fs.StringP("mode", "m", string(domain.ModeDirect), "")
	targetHost := fs.StringP("target-host", "t", "", "")
	targetPort := fs.IntP("target-port", "T", 0, "")
	workers := fs.IntP("workers", "w", 4, "")
	retryDelay := fs.Float64P("retry-delay", "r", 1.0, "")
	help := fs.BoolP("help", "h", false, "")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse arguments")
	}
	if *help {
		return nil, domain.ErrShowUsage
	}

	opts := &Options{
		HubHost: *hubHost,
		HubPort: *hubPort,
		Mode:    domain.Mode(strings.ToLower(*mode)),
		Workers: *workers,
	}

	retrySeconds := *retryDelay
	if retrySeconds <= 0 {
		retrySeconds = 1.0
	}
	opts.RetryDelay = time.Duration(float64(time.Second) * retrySeconds)

	switch opts.Mode {
	case domain.ModeDirect:
		if *targetHost == "" {
			return nil, errors.New("--target-host is required in direct mode")
		}
		if *targetPort <= 0 || *targetPort > 65535 {
			return nil, errors.New("--target-port must be between 1 and 65535")
		}
		opts.DirectDestination = &domain.Destination{
			AddrType: domain.ClassifyAddr(*targetHost),
			Host:     *targetHost,
			Port:     *targetPort,
		}
	case domain.ModeSocks:
		if *targetHost != "" || *targetPort != 0 {
			return nil, errors.New("--target-host/--target-port are not used in socks mode")
		}
	default:
		return nil, errors.New("--mode must be direct or socks")
	}

	if opts.HubPort <= 0 || opts.HubPort > 65535 {
		return nil, errors.New("missing or invalid --hub-port")
	}
	if opts.Workers <= 0 {
		return nil, errors.New("--workers must be positive")
	}

	return opts, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// hubAddress renders the "host:port" dial target for the hub.
func hubAddress(opts Options) string {
	return fmt.Sprintf("%s:%d", opts.HubHost, opts.HubPort)
}
