package hub

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"contun/internal/domain"
)

var usageText = `Usage: contunhub [options]

Required:
  -c, --client-port int   Client listener port accepting downstream apps
  -p, --pool-port int     Pool listener port accepting bastion workers

Optional:
  -C, --client-bind string   Client listener bind address (default "127.0.0.1")
  -P, --pool-bind string     Pool listener bind address (default "0.0.0.0")
  -m, --mode string          Operation mode: auto, direct, or socks (default "auto")
  -h, --help                 Show this help message and exit

contunhub multiplexes downstream client connections onto a pool of worker
connections dialled in from the bastion. In auto mode the active mode is
adopted from the first worker's HELLO and locked for the process lifetime.`

// Usage returns the command line help text.
func Usage() string { return usageText }

// Options captures parsed CLI configuration for the hub.
type Options struct {
	ClientBind string
	ClientPort int
	PoolBind   string
	PoolPort   int
	Mode       domain.Mode
}

// ParseArgs parses CLI arguments into Options.
func ParseArgs(args []string) (*Options, error) {
	fs := pflag.NewFlagSet("contunhub", pflag.ContinueOnError)
	fs.SetOutput(discardWriter{})
	fs.Usage = func() {}

	clientBind := fs.StringP("client-bind", "C", "127.0.0.1", "")
	clientPort := fs.IntP("client-port", "c", 0, "")
	poolBind := fs.StringP("pool-bind", "P", "0.0.0.0", "")
	poolPort := fs.IntP("pool-port", "p", 0, "")
	mode := fs.StringP("mode", "m", string(domain.ModeAuto), "")
	help := fs.BoolP("help", "h", false, "")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse arguments")
	}
	if *help {
		return nil, domain.ErrShowUsage
	}

	opts := &Options{
		ClientBind: *clientBind,
		ClientPort: *clientPort,
		PoolBind:   *poolBind,
		PoolPort:   *poolPort,
		Mode:       domain.Mode(strings.ToLower(*mode)),
	}

	switch opts.Mode {
	case domain.ModeAuto, domain.ModeDirect, domain.ModeSocks:
	default:
		return nil, errors.New("--mode must be auto, direct, or socks")
	}
	if opts.ClientPort <= 0 || opts.ClientPort > 65535 {
		return nil, errors.New("missing or invalid --client-port")
	}
	if opts.PoolPort <= 0 || opts.PoolPort > 65535 {
		return nil, errors.New("missing or invalid --pool-port")
	}
	return opts, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
