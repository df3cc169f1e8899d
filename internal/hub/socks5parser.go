package hub

import (
	"encoding/binary"
	"net"

	"contun/internal/domain"
)

// socks5 front end: SOCKS5 no-auth, CONNECT only. Parsing is
// incremental — each parse* function reports how many bytes of buf it
// consumed, or 0 if buf does not yet hold a complete structural segment.
// Grounded on ensonmj-proxy/socks5/addr.go's ATYP decode shape, adapted to
// work against a buffered byte slice instead of an io.Reader since the hub
// socket's inBuffer accumulates across nonblocking reads.

// parseGreeting attempts to parse {05, N, methods[N]}. Returns consumed=0
// if more bytes are needed. noAuth reports whether method 0x00 was offered.
func parseGreeting(buf []byte) (consumed int, noAuth bool, err error) {
	if len(buf) < 2 {
		return 0, false, nil
	}
	if buf[0] != domain.Socks5Version {
		return 0, false, domain.ErrMalformedLine
	}
	n := int(buf[1])
	if n < 1 {
		return 0, false, domain.ErrMalformedLine
	}
	total := 2 + n
	if len(buf) < total {
		return 0, false, nil
	}
	methods := buf[2:total]
	for _, m := range methods {
		if m == domain.SocksMethodNoAuth {
			noAuth = true
			break
		}
	}
	return total, noAuth, nil
}

// parseRequest attempts to parse {05, CMD, 00, ATYP, ADDR, PORT}. Returns
// consumed=0 if more bytes are needed. socksFailCode, when non-zero
// alongside a non-zero consumed, carries the SOCKS5 reply byte to send back
// (command or ATYP not supported, zero-length domain) rather than a hard
// parse failure.
func parseRequest(buf []byte) (consumed int, dest *domain.Destination, socksFailCode byte, err error) {
	if len(buf) < 4 {
		return 0, nil, 0, nil
	}
	if buf[0] != domain.Socks5Version {
		return 0, nil, 0, domain.ErrMalformedLine
	}
	cmd := buf[1]
	atyp := buf[3]

	var addrLen int
	var domainLenOffset = -1
	switch atyp {
	case domain.SocksAtypIPv4:
		addrLen = 4
	case domain.SocksAtypIPv6:
		addrLen = 16
	case domain.SocksAtypDomain:
		if len(buf) < 5 {
			return 0, nil, 0, nil
		}
		domainLenOffset = 4
		addrLen = 1 + int(buf[4])
	default:
		// Structurally we don't know the address length; once the 4-byte
		// header plus 2 more bytes are buffered, report those 6 bytes as
		// consumed along with the ATYP-not-supported code so the caller
		// fails fast.
		total := 4 + 2
		if len(buf) < total {
			return 0, nil, 0, nil
		}
		return total, nil, domain.SocksReplyCode(domain.StatusAddrTypeNotSupported), nil
	}

	total := 4 + addrLen + 2
	if len(buf) < total {
		return 0, nil, 0, nil
	}

	if cmd != domain.SocksCmdConnect {
		return total, nil, domain.SocksReplyCode(domain.StatusCommandNotSupported), nil
	}

	addrStart := 4
	var host string
	switch atyp {
	case domain.SocksAtypIPv4:
		host = net.IP(buf[addrStart : addrStart+4]).String()
	case domain.SocksAtypIPv6:
		host = net.IP(buf[addrStart : addrStart+16]).String()
	case domain.SocksAtypDomain:
		dLen := int(buf[domainLenOffset])
		host = string(buf[addrStart+1 : addrStart+1+dLen])
		if dLen == 0 {
			// A zero-length domain is treated as an invalid address
			// (general failure), not an unsupported address type.
			return total, nil, domain.SocksReplyCode(domain.StatusGeneralFailure), nil
		}
	}

	port := binary.BigEndian.Uint16(buf[addrStart+addrLen : addrStart+addrLen+2])

	d := &domain.Destination{
		AddrType: atypToAddrType(atyp),
		Host:     host,
		Port:     int(port),
	}
	return total, d, 0, nil
}

func atypToAddrType(atyp byte) domain.AddrType {
	switch atyp {
	case domain.SocksAtypIPv4:
		return domain.AddrIPv4
	case domain.SocksAtypIPv6:
		return domain.AddrIPv6
	default:
		return domain.AddrDomain
	}
}

// methodSelectionReply is the fixed {05, 00} no-auth selection reply.
func methodSelectionReply() []byte {
	return []byte{domain.Socks5Version, domain.SocksMethodNoAuth}
}

// noAcceptableMethodsReply is sent when the client's greeting doesn't
// offer no-auth.
func noAcceptableMethodsReply() []byte {
	return []byte{domain.Socks5Version, domain.SocksMethodNoAcceptable}
}

// successReply renders {05, 00, 00, ATYP, BND.ADDR, BND.PORT} using the
// worker-supplied bind destination.
func successReply(bind domain.Destination) []byte {
	return encodeReply(0x00, bind)
}

// failureReply renders {05, <status>, 00, 01, 0.0.0.0, 0}.
func failureReply(status byte) []byte {
	return encodeReply(status, domain.Destination{AddrType: domain.AddrIPv4, Host: "0.0.0.0", Port: 0})
}

func encodeReply(status byte, dest domain.Destination) []byte {
	atyp := domain.SocksAtypForAddrType(dest.AddrType)
	var addrBytes []byte
	switch atyp {
	case domain.SocksAtypIPv4:
		ip := net.ParseIP(dest.Host).To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		addrBytes = ip
	case domain.SocksAtypIPv6:
		ip := net.ParseIP(dest.Host).To16()
		if ip == nil {
			ip = net.IPv6zero.To16()
		}
		addrBytes = ip
	default:
		addrBytes = append([]byte{byte(len(dest.Host))}, []byte(dest.Host)...)
	}
	out := make([]byte, 0, 6+len(addrBytes))
	out = append(out, domain.Socks5Version, status, 0x00, atyp)
	out = append(out, addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(dest.Port))
	out = append(out, portBytes...)
	return out
}
