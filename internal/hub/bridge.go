package hub

import (
	"golang.org/x/sys/unix"
)

// forwardStreamBytes relays bytes read from one side of a paired connection
// straight to the other side's outbound queue.
func (e *Engine) forwardStreamBytes(s *socket, data []byte) {
	if s.peer == nil {
		e.closeSocketOnce(s, "stream with no peer")
		return
	}
	e.queueWrite(s.peer, data)
}

// halfCloseOrTeardown implements the half-close discipline: on EOF from one
// direction, shut down the write half toward the peer and keep reading the
// reverse direction until it also EOFs, rather than tearing the pair down
// immediately. s is the socket that just hit EOF; it is peer's write half
// that actually gets shut down, so the closeWriteSent bookkeeping and the
// drain check both apply to peer, not s.
func (e *Engine) halfCloseOrTeardown(s *socket) {
	peer := s.peer
	if peer == nil {
		e.closeSocketOnce(s, "stream eof, no peer")
		return
	}
	if !peer.closeWriteSent {
		if err := unix.Shutdown(peer.fd, unix.SHUT_WR); err != nil {
			e.log.Debug("shutdown write failed", "fd", peer.fd, "error", err)
		}
		peer.closeWriteSent = true
	}
	unix.Shutdown(s.fd, unix.SHUT_RD)
	e.maybeCloseAfterHalfClose(peer)
}

// maybeCloseAfterHalfClose closes the pair once BOTH directions have
// half-closed: s's own write half is shut down and drained, and its peer's
// write half is too. A lone EOF only ever finishes one direction, so this
// returns without closing anything until the reverse direction also EOFs
// and drains, which is what lets the still-streaming direction keep
// delivering bytes after its partner has gone quiet.
func (e *Engine) maybeCloseAfterHalfClose(s *socket) {
	if !s.closeWriteSent || len(s.outBuffer) > 0 {
		return
	}
	peer := s.peer
	if peer == nil {
		e.closeSocketOnce(s, "half-close complete")
		return
	}
	if !peer.closeWriteSent || len(peer.outBuffer) > 0 {
		return
	}
	e.closeSocketOnce(s, "half-close complete")
	e.closeSocketOnce(peer, "half-close complete")
}
