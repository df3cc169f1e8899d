package pool

import (
	"testing"
	"time"

	"contun/internal/domain"
)

func TestParseArgsDirectMode(t *testing.T) {
	opts, err := ParseArgs([]string{
		"--hub-host", "hub.example", "--hub-port", "9000",
		"--mode", "direct", "--target-host", "10.0.0.5", "--target-port", "80",
	})
	if err != nil {
		t.Fatalf("ParseArgs error: %v", err)
	}
	if opts.HubHost != "hub.example" || opts.HubPort != 9000 {
		t.Errorf("hub addr = %s:%d", opts.HubHost, opts.HubPort)
	}
	if opts.DirectDestination == nil || opts.DirectDestination.Host != "10.0.0.5" {
		t.Errorf("DirectDestination = %+v", opts.DirectDestination)
	}
	if opts.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s default", opts.RetryDelay)
	}
}

func TestParseArgsDirectModeRequiresTarget(t *testing.T) {
	_, err := ParseArgs([]string{"--hub-port", "9000", "--mode", "direct"})
	if err == nil {
		t.Fatal("expected error when --target-host is missing")
	}
}

func TestParseArgsSocksModeRejectsTarget(t *testing.T) {
	_, err := ParseArgs([]string{
		"--hub-port", "9000", "--mode", "socks", "--target-host", "10.0.0.5",
	})
	if err == nil {
		t.Fatal("expected error: target flags not allowed in socks mode")
	}
}

func TestParseArgsShowUsage(t *testing.T) {
	_, err := ParseArgs([]string{"--help"})
	if err != domain.ErrShowUsage {
		t.Errorf("err = %v, want ErrShowUsage", err)
	}
}

func TestParseArgsInvalidMode(t *testing.T) {
	_, err := ParseArgs([]string{"--hub-port", "9000", "--mode", "bogus"})
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestHubAddress(t *testing.T) {
	opts := Options{HubHost: "127.0.0.1", HubPort: 1234}
	if got := hubAddress(opts); got != "127.0.0.1:1234" {
		t.Errorf("hubAddress = %q", got)
	}
}
