package hub

import (
	"bytes"
	"testing"

	"contun/internal/domain"
)

func TestParseGreetingNoAuth(t *testing.T) {
	buf := []byte{0x05, 0x02, 0x00, 0x01}
	consumed, noAuth, err := parseGreeting(buf)
	if err != nil {
		t.Fatalf("parseGreeting error: %v", err)
	}
	if consumed != 4 {
		t.Errorf("consumed = %d, want 4", consumed)
	}
	if !noAuth {
		t.Error("noAuth = false, want true")
	}
}

func TestParseGreetingIncomplete(t *testing.T) {
	buf := []byte{0x05, 0x02, 0x00}
	consumed, _, err := parseGreeting(buf)
	if err != nil {
		t.Fatalf("parseGreeting error: %v", err)
	}
	if consumed != 0 {
		t.Errorf("consumed = %d, want 0 (need more bytes)", consumed)
	}
}

func TestParseGreetingBadVersion(t *testing.T) {
	buf := []byte{0x04, 0x01, 0x00}
	if _, _, err := parseGreeting(buf); err == nil {
		t.Error("expected error for bad version")
	}
}

func TestParseRequestIPv4Connect(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90} // port 8080
	consumed, dest, failCode, err := parseRequest(buf)
	if err != nil {
		t.Fatalf("parseRequest error: %v", err)
	}
	if failCode != 0 {
		t.Fatalf("failCode = %#x, want 0", failCode)
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
	if dest.Host != "10.0.0.1" || dest.Port != 8080 || dest.AddrType != domain.AddrIPv4 {
		t.Errorf("dest = %+v", dest)
	}
}

func TestParseRequestDomain(t *testing.T) {
	host := "example.com"
	buf := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}, []byte(host)...)
	buf = append(buf, 0x00, 0x50)
	_, dest, failCode, err := parseRequest(buf)
	if err != nil {
		t.Fatalf("parseRequest error: %v", err)
	}
	if failCode != 0 {
		t.Fatalf("failCode = %#x, want 0", failCode)
	}
	if dest.Host != host || dest.Port != 80 || dest.AddrType != domain.AddrDomain {
		t.Errorf("dest = %+v", dest)
	}
}

func TestParseRequestZeroLengthDomainIsGeneralFailure(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50}
	_, dest, failCode, err := parseRequest(buf)
	if err != nil {
		t.Fatalf("parseRequest error: %v", err)
	}
	if dest != nil {
		t.Errorf("dest = %+v, want nil", dest)
	}
	if failCode != domain.SocksReplyCode(domain.StatusGeneralFailure) {
		t.Errorf("failCode = %#x, want general failure", failCode)
	}
}

func TestParseRequestUnsupportedCommand(t *testing.T) {
	buf := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50} // BIND, not CONNECT
	_, _, failCode, err := parseRequest(buf)
	if err != nil {
		t.Fatalf("parseRequest error: %v", err)
	}
	if failCode != domain.SocksReplyCode(domain.StatusCommandNotSupported) {
		t.Errorf("failCode = %#x, want command not supported", failCode)
	}
}

func TestEncodeReplySuccess(t *testing.T) {
	dest := domain.Destination{AddrType: domain.AddrIPv4, Host: "1.2.3.4", Port: 9000}
	out := successReply(dest)
	want := []byte{0x05, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0x23, 0x28}
	if !bytes.Equal(out, want) {
		t.Errorf("successReply = % x, want % x", out, want)
	}
}

func TestFailureReply(t *testing.T) {
	out := failureReply(0x05)
	if out[0] != 0x05 || out[1] != 0x05 {
		t.Errorf("failureReply header = % x", out[:2])
	}
}
