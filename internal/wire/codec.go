// Package wire implements the line-oriented hub<->pool control protocol:
// HELLO, OK, REQUEST CONNECT, REPLY, and the legacy ERR line, including the
// base64 address-encoding compatibility variant.
package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"contun/internal/domain"
)

const b64Prefix = "b64:"

// EncodeAddr renders host as a bare token when it is ASCII and
// whitespace-free, or as a base64-wrapped token otherwise.
func EncodeAddr(host string) string {
	if isPlainSafe(host) {
		return host
	}
	return b64Prefix + base64.StdEncoding.EncodeToString([]byte(host))
}

// DecodeAddr reverses EncodeAddr, accepting both the plain and base64 forms.
func DecodeAddr(token string) (string, error) {
	if strings.HasPrefix(token, b64Prefix) {
		raw, err := base64.StdEncoding.DecodeString(token[len(b64Prefix):])
		if err != nil {
			return "", errors.Wrap(err, "decode base64 address")
		}
		return string(raw), nil
	}
	return token, nil
}

func isPlainSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > 0x7E || r <= 0x20 {
			return false
		}
	}
	return true
}

// FormatDestination renders the "DEST <atype> <addr> <port>" fragment used
// in HELLO lines.
func FormatDestination(d domain.Destination) string {
	return fmt.Sprintf("DEST %s %s %d", d.AddrType, EncodeAddr(d.Host), d.Port)
}

// HelloLine builds a worker handshake line: "HELLO 1 socks" or
// "HELLO 1 direct DEST <atype> <addr> <port>".
func HelloLine(mode domain.Mode, dest *domain.Destination) string {
	var b strings.Builder
	b.WriteString("HELLO 1 ")
	b.WriteString(string(mode))
	if mode == domain.ModeDirect && dest != nil {
		b.WriteByte(' ')
		b.WriteString(FormatDestination(*dest))
	}
	return b.String()
}

// ParsedHello is the decoded form of a worker's HELLO line.
type ParsedHello struct {
	Mode domain.Mode
	Dest *domain.Destination
}

// ParseHello parses a HELLO line into its mode and, for direct mode, its
// declared destination.
func ParseHello(line string) (*ParsedHello, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "HELLO" || fields[1] != "1" {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "hello line %q", line)
	}
	mode := domain.Mode(strings.ToLower(fields[2]))
	switch mode {
	case domain.ModeDirect:
		if len(fields) != 7 || fields[3] != "DEST" {
			return nil, errors.Wrapf(domain.ErrMalformedLine, "hello direct line %q", line)
		}
		atype, err := parseAddrType(fields[4])
		if err != nil {
			return nil, err
		}
		addr, err := DecodeAddr(fields[5])
		if err != nil {
			return nil, err
		}
		port, err := parsePort(fields[6])
		if err != nil {
			return nil, err
		}
		dest := domain.Destination{AddrType: atype, Host: addr, Port: port}
		if err := domain.ValidateDestination(dest); err != nil {
			return nil, err
		}
		return &ParsedHello{Mode: mode, Dest: &dest}, nil
	case domain.ModeSocks:
		if len(fields) != 3 {
			return nil, errors.Wrapf(domain.ErrMalformedLine, "hello socks line %q", line)
		}
		return &ParsedHello{Mode: mode}, nil
	default:
		return nil, errors.Wrapf(domain.ErrMalformedLine, "unknown mode in hello line %q", line)
	}
}

// RequestLine builds a "REQUEST CONNECT <atype> <addr> <port>" line.
func RequestLine(d domain.Destination) string {
	return fmt.Sprintf("REQUEST CONNECT %s %s %d", d.AddrType, EncodeAddr(d.Host), d.Port)
}

// ParseRequest converts a hub REQUEST line into a Destination.
func ParseRequest(line string) (*domain.Destination, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "request line %q", line)
	}
	if fields[0] != "REQUEST" || fields[1] != "CONNECT" {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "request command %q", line)
	}
	atype, err := parseAddrType(fields[2])
	if err != nil {
		return nil, err
	}
	addr, err := DecodeAddr(fields[3])
	if err != nil {
		return nil, err
	}
	port, err := parsePort(fields[4])
	if err != nil {
		return nil, err
	}
	return &domain.Destination{AddrType: atype, Host: addr, Port: port}, nil
}

// ReplyLine builds a "REPLY <status> <atype> <addr> <port>" line.
func ReplyLine(status domain.ReplyStatus, d domain.Destination) string {
	return fmt.Sprintf("REPLY %d %s %s %d", int(status), d.AddrType, EncodeAddr(d.Host), d.Port)
}

// ParsedReply is the decoded form of a worker's REPLY (or legacy ERR) line.
type ParsedReply struct {
	Status domain.ReplyStatus
	Dest   domain.Destination
}

// ParseReply parses a REPLY line, or treats a legacy "ERR <text>" line as a
// REPLY-1 equivalent.
func ParseReply(line string) (*ParsedReply, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "empty reply line")
	}
	if fields[0] == "ERR" {
		return &ParsedReply{
			Status: domain.StatusGeneralFailure,
			Dest:   domain.Destination{AddrType: domain.AddrIPv4, Host: "0.0.0.0", Port: 0},
		}, nil
	}
	if fields[0] != "REPLY" || len(fields) != 5 {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "reply line %q", line)
	}
	statusVal, err := strconv.Atoi(fields[1])
	if err != nil || statusVal < 0 || statusVal > 255 {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "reply status %q", fields[1])
	}
	atype, err := parseAddrType(fields[2])
	if err != nil {
		return nil, err
	}
	addr, err := DecodeAddr(fields[3])
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(fields[4])
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.Wrapf(domain.ErrMalformedLine, "reply port %q", fields[4])
	}
	return &ParsedReply{
		Status: domain.ReplyStatus(statusVal),
		Dest:   domain.Destination{AddrType: atype, Host: addr, Port: port},
	}, nil
}

func parseAddrType(s string) (domain.AddrType, error) {
	t := domain.AddrType(strings.ToLower(s))
	switch t {
	case domain.AddrIPv4, domain.AddrIPv6, domain.AddrDomain:
		return t, nil
	default:
		return "", errors.Wrapf(domain.ErrMalformedLine, "address type %q", s)
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, errors.Wrapf(domain.ErrMalformedLine, "port %q", s)
	}
	return port, nil
}
