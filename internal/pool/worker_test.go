package pool

import (
	"errors"
	"testing"

	"contun/internal/domain"
)

func TestMapErrorToStatus(t *testing.T) {
	cases := []struct {
		msg  string
		want domain.ReplyStatus
	}{
		{"dial tcp 1.2.3.4:80: connect: connection refused", domain.StatusConnectionRefused},
		{"dial tcp: network is unreachable", domain.StatusNetworkUnreachable},
		{"dial tcp: host is unreachable", domain.StatusHostUnreachable},
		{"dial tcp: i/o timeout", domain.StatusHostUnreachable},
		{"dial tcp: lookup nosuch.example: no such host", domain.StatusHostUnreachable},
		{"something unexpected", domain.StatusGeneralFailure},
	}
	for _, c := range cases {
		if got := mapErrorToStatus(errors.New(c.msg)); got != c.want {
			t.Errorf("mapErrorToStatus(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestZeroDest(t *testing.T) {
	d := zeroDest()
	if d.Host != "0.0.0.0" || d.Port != 0 || d.AddrType != domain.AddrIPv4 {
		t.Errorf("zeroDest = %+v", d)
	}
}
