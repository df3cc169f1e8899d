package hub

import (
	"testing"

	"contun/internal/domain"
)

func TestParseArgsDefaults(t *testing.T) {
	opts, err := ParseArgs([]string{"-c", "1080", "-p", "9000"})
	if err != nil {
		t.Fatalf("ParseArgs error: %v", err)
	}
	if opts.ClientBind != "127.0.0.1" || opts.PoolBind != "0.0.0.0" {
		t.Errorf("default binds = %s / %s", opts.ClientBind, opts.PoolBind)
	}
	if opts.Mode != domain.ModeAuto {
		t.Errorf("default mode = %v, want auto", opts.Mode)
	}
}

func TestParseArgsMissingPorts(t *testing.T) {
	if _, err := ParseArgs([]string{"-c", "1080"}); err == nil {
		t.Error("expected error: missing --pool-port")
	}
	if _, err := ParseArgs([]string{"-p", "9000"}); err == nil {
		t.Error("expected error: missing --client-port")
	}
}

func TestParseArgsInvalidMode(t *testing.T) {
	_, err := ParseArgs([]string{"-c", "1080", "-p", "9000", "-m", "bogus"})
	if err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestParseArgsShowUsage(t *testing.T) {
	_, err := ParseArgs([]string{"-h"})
	if err != domain.ErrShowUsage {
		t.Errorf("err = %v, want ErrShowUsage", err)
	}
}
