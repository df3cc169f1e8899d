package hub

import (
	"contun/internal/domain"
)

// Role distinguishes the two kinds of socket the hub ever holds.
type Role int

const (
	RoleClient Role = iota
	RoleWorker
)

// State enumerates every state either state machine can be in. Client and
// worker states are drawn from disjoint subsets of this type; a socket's
// Role determines which subset is meaningful.
type State int

const (
	// Client states.
	StateAwaitMode State = iota
	StateAwaitGreeting
	StateAwaitRequest
	StateAwaitWorker
	StateAwaitReply
	StateStream

	// Worker-only state (StateAwaitReply and StateStream are shared).
	StateAwaitHello
	StateIdle

	// StateClosed marks a socket struct that closeSocketOnce has already
	// torn down but that may still be reachable through a stale queue
	// entry; popValid rejects anything in this state.
	StateClosed
)

// socket is one open connection's context record. fd is both the epoll
// identity and the map key into Engine.sockets.
type socket struct {
	fd   int
	role Role
	state State

	peer *socket // nil when unpaired

	inBuffer     []byte // bytes read, not yet consumed by the parser
	outBuffer    []byte // bytes queued for write
	pendingData  []byte // client bytes buffered during control-plane stages

	requestedDest *domain.Destination // client only: parsed from SOCKS CONNECT
	declaredDest  *domain.Destination // worker only, direct mode: from HELLO
	mode          domain.Mode         // worker only

	// closeWriteSent records whether this socket's write half has already
	// been shut down during half-close bridging, so it is only ever done
	// once per socket.
	closeWriteSent bool

	// queued marks whether this socket currently sits in the idle-worker
	// or pending-client queue. The dispatcher does not consult it: popValid
	// discards stale entries by checking role, state and peer instead.
	queued bool
}

// totalBuffered returns the combined size of all three per-socket buffers.
func (s *socket) totalBuffered() int {
	return len(s.inBuffer) + len(s.outBuffer) + len(s.pendingData)
}

// appendBounded appends data to *buf, returning domain.ErrBufferExceeded
// if the result would exceed MaxBuffer: any individual buffer that would
// exceed the limit on append forces teardown of the relevant pair.
func appendBounded(buf *[]byte, data []byte) error {
	if len(*buf)+len(data) > domain.MaxBuffer {
		return domain.ErrBufferExceeded
	}
	*buf = append(*buf, data...)
	return nil
}
