//go:build linux

package hub

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listenTCP opens a nonblocking, listening TCP socket bound to host:port,
// resolving the bind address first and picking the matching address family
// so both --client-bind and --pool-bind can be IPv4 or IPv6.
func listenTCP(host string, port int) (int, error) {
	addr := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	if addr.IP == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return -1, errors.Wrapf(err, "resolve bind address %q", host)
		}
		addr.IP = resolved.IP
	}

	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblocking")
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], addr.IP.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// acceptOne accepts a single pending connection in nonblocking mode.
// ok=false with err=nil means "no more pending connections right now"
// (EAGAIN), which the caller uses to drain the accept backlog in a loop.
func acceptOne(listenerFD int) (fd int, ok bool, err error) {
	nfd, _, acceptErr := unix.Accept(listenerFD)
	if acceptErr != nil {
		if acceptErr == unix.EAGAIN || acceptErr == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		return -1, false, acceptErr
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, false, err
	}
	return nfd, true, nil
}
