//go:build linux

// Package hub implements the jump-side multiplexer: a single-threaded
// cooperative event loop that accepts downstream clients and bastion pool
// workers, pairs them, and switches each pair into bidirectional streaming.
// Nothing here is safe for concurrent use from more than one goroutine —
// that is the point: encapsulating all mutable state (contexts, queues,
// active mode) in one Engine instance run from a single loop is what lets
// the hub avoid locks.
package hub

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"contun/internal/domain"
	"contun/internal/wire"
)

const readChunk = 16 * 1024 // bytes read per syscall

// Engine owns the hub's process-scoped state: the context table, the two
// pairing queues, and the committed active mode.
type Engine struct {
	opts Options
	log  *slog.Logger
	loop *eventLoop

	clientListenerFD int
	poolListenerFD   int

	sockets map[int]*socket

	idleWorkers    []*socket
	pendingClients []*socket

	activeMode      domain.Mode
	modeCommitted   bool
}

// NewEngine constructs an Engine bound to the configured listen addresses.
// If opts.Mode is direct or socks, the active mode is committed immediately;
// in auto mode it is committed lazily on the first worker HELLO.
func NewEngine(opts Options, log *slog.Logger) (*Engine, error) {
	loop, err := newEventLoop()
	if err != nil {
		return nil, errors.Wrap(err, "create event loop")
	}

	clientFD, err := listenTCP(opts.ClientBind, opts.ClientPort)
	if err != nil {
		loop.close()
		return nil, errors.Wrap(err, "listen client port")
	}
	poolFD, err := listenTCP(opts.PoolBind, opts.PoolPort)
	if err != nil {
		loop.close()
		unix.Close(clientFD)
		return nil, errors.Wrap(err, "listen pool port")
	}

	e := &Engine{
		opts:             opts,
		log:              log,
		loop:             loop,
		clientListenerFD: clientFD,
		poolListenerFD:   poolFD,
		sockets:          make(map[int]*socket),
	}
	if opts.Mode == domain.ModeDirect || opts.Mode == domain.ModeSocks {
		e.activeMode = opts.Mode
		e.modeCommitted = true
	}
	return e, nil
}

// Run registers the listeners and drives the event loop until ctx is
// cancelled, at which point both listeners and every live socket are torn
// down symmetrically.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loop.register(e.clientListenerFD, EventRead); err != nil {
		return errors.Wrap(err, "register client listener")
	}
	if err := e.loop.register(e.poolListenerFD, EventRead); err != nil {
		return errors.Wrap(err, "register pool listener")
	}
	e.log.Info("hub listening",
		"client_addr", e.opts.ClientBind, "client_port", e.opts.ClientPort,
		"pool_addr", e.opts.PoolBind, "pool_port", e.opts.PoolPort,
		"mode", e.opts.Mode)

	defer e.shutdown()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ready, err := e.loop.poll()
		if err != nil {
			return errors.Wrap(err, "event loop poll")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Two-phase tick: every readable socket first, then flush every
		// writable socket with queued output.
		for _, r := range ready {
			if r.event&EventRead != 0 {
				e.handleReadable(r.fd)
			}
		}
		for _, r := range ready {
			if r.event&EventWrite != 0 {
				e.handleWritable(r.fd)
			}
		}
	}
}

func (e *Engine) shutdown() {
	for _, s := range e.sockets {
		e.closeSocketOnce(s, "engine shutdown")
	}
	unix.Close(e.clientListenerFD)
	unix.Close(e.poolListenerFD)
	e.loop.close()
}

func (e *Engine) handleReadable(fd int) {
	switch fd {
	case e.clientListenerFD:
		e.acceptClients()
		return
	case e.poolListenerFD:
		e.acceptWorkers()
		return
	}
	sock := e.sockets[fd]
	if sock == nil {
		return
	}
	e.readSocket(sock)
}

func (e *Engine) handleWritable(fd int) {
	sock := e.sockets[fd]
	if sock == nil {
		return
	}
	e.flushOut(sock)
}

// acceptClients drains the client listener's backlog in a nonblocking loop.
func (e *Engine) acceptClients() {
	for {
		fd, ok, err := acceptOne(e.clientListenerFD)
		if err != nil {
			e.log.Warn("client accept error", "error", err)
			return
		}
		if !ok {
			return
		}
		s := &socket{fd: fd, role: RoleClient}
		e.sockets[fd] = s
		e.enterClientInitialState(s)
		if err := e.loop.register(fd, EventRead); err != nil {
			e.log.Warn("register client fd failed", "fd", fd, "error", err)
			e.closeSocketOnce(s, "register failed")
			continue
		}
		e.log.Debug("client accepted", "fd", fd)
	}
}

func (e *Engine) acceptWorkers() {
	for {
		fd, ok, err := acceptOne(e.poolListenerFD)
		if err != nil {
			e.log.Warn("worker accept error", "error", err)
			return
		}
		if !ok {
			return
		}
		s := &socket{fd: fd, role: RoleWorker, state: StateAwaitHello}
		e.sockets[fd] = s
		if err := e.loop.register(fd, EventRead); err != nil {
			e.log.Warn("register worker fd failed", "fd", fd, "error", err)
			e.closeSocketOnce(s, "register failed")
			continue
		}
		e.log.Debug("worker accepted", "fd", fd)
	}
}

// enterClientInitialState places a freshly accepted client into
// await_mode (if the active mode isn't committed yet), await_greeting
// (socks), or await_worker (direct).
func (e *Engine) enterClientInitialState(s *socket) {
	if !e.modeCommitted {
		s.state = StateAwaitMode
		return
	}
	e.enterModeDependentState(s)
}

func (e *Engine) enterModeDependentState(s *socket) {
	if e.activeMode == domain.ModeSocks {
		s.state = StateAwaitGreeting
	} else {
		s.state = StateAwaitWorker
		e.enqueuePendingClient(s)
	}
}

// commitMode locks the hub's active mode on the first worker HELLO in auto
// mode, and releases any clients stuck in await_mode into their
// mode-appropriate state, replaying bytes they buffered while waiting.
func (e *Engine) commitMode(mode domain.Mode) {
	e.activeMode = mode
	e.modeCommitted = true
	e.log.Info("active mode committed", "mode", mode)

	for _, s := range e.sockets {
		if s.role != RoleClient || s.state != StateAwaitMode {
			continue
		}
		buffered := s.pendingData
		s.pendingData = nil
		e.enterModeDependentState(s)
		if len(buffered) > 0 {
			if s.state == StateAwaitGreeting {
				e.feedSocksBytes(s, buffered)
			} else {
				// direct mode: bytes stay queued as pending payload for
				// the eventual stream transition.
				_ = appendBounded(&s.pendingData, buffered)
			}
		}
	}
}

// readSocket performs one nonblocking read and routes the bytes (or EOF)
// to the state-appropriate handler.
func (e *Engine) readSocket(s *socket) {
	buf := make([]byte, readChunk)
	n, err := unix.Read(s.fd, buf)
	if n > 0 {
		e.onBytes(s, buf[:n])
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		e.handleEOF(s)
		return
	}
	if n == 0 && err == nil {
		e.handleEOF(s)
	}
}

func (e *Engine) onBytes(s *socket, data []byte) {
	switch {
	case s.role == RoleClient && s.state == StateAwaitMode:
		if err := appendBounded(&s.pendingData, data); err != nil {
			e.teardownPair(s, "pending buffer exceeded")
		}
	case s.role == RoleClient && s.state == StateAwaitGreeting:
		e.feedSocksBytes(s, data)
	case s.role == RoleClient && s.state == StateAwaitRequest:
		e.feedSocksBytes(s, data)
	case s.role == RoleClient && (s.state == StateAwaitWorker || s.state == StateAwaitReply):
		if err := appendBounded(&s.pendingData, data); err != nil {
			e.teardownPair(s, "pending buffer exceeded")
		}
	case s.role == RoleWorker && s.state == StateAwaitHello:
		e.feedHelloBytes(s, data)
	case s.role == RoleWorker && s.state == StateIdle:
		// spurious bytes on an idle worker are a keepalive; ignore them.
	case s.role == RoleWorker && s.state == StateAwaitReply:
		e.feedReplyBytes(s, data)
	case s.state == StateStream:
		e.forwardStreamBytes(s, data)
	default:
		e.log.Warn("bytes in unexpected state", "fd", s.fd, "role", s.role, "state", s.state)
	}
}

func (e *Engine) handleEOF(s *socket) {
	if s.state == StateStream {
		e.halfCloseOrTeardown(s)
		return
	}
	e.closeSocketOnce(s, "eof")
}

// flushOut writes as much of s.outBuffer as the socket will currently
// accept, honoring the bounded-write discipline.
func (e *Engine) flushOut(s *socket) {
	if len(s.outBuffer) == 0 {
		_ = e.loop.modify(s.fd, EventRead)
		return
	}
	n, err := unix.Write(s.fd, s.outBuffer)
	if n > 0 {
		s.outBuffer = s.outBuffer[n:]
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		e.closeSocketOnce(s, "write error")
		return
	}
	if len(s.outBuffer) == 0 {
		_ = e.loop.modify(s.fd, EventRead)
		if s.state == StateStream && s.closeWriteSent {
			e.maybeCloseAfterHalfClose(s)
		}
	}
}

// queueWrite appends to s.outBuffer, enforcing MAX_BUFFER, and arms
// EventWrite so the loop flushes it.
func (e *Engine) queueWrite(s *socket, data []byte) {
	if err := appendBounded(&s.outBuffer, data); err != nil {
		e.teardownPair(s, "out buffer exceeded")
		return
	}
	if err := e.loop.modify(s.fd, EventRead|EventWrite); err != nil {
		e.log.Warn("modify for write failed", "fd", s.fd, "error", err)
	}
	// Opportunistic immediate write so small control lines don't wait a
	// full tick for their EPOLLOUT edge.
	e.flushOut(s)
}

func (e *Engine) sendLine(s *socket, line string) {
	e.queueWrite(s, []byte(line+"\n"))
}

// --- SOCKS5 front end -------------------------------------------------

func (e *Engine) feedSocksBytes(s *socket, data []byte) {
	if err := appendBounded(&s.inBuffer, data); err != nil {
		e.closeSocketOnce(s, "socks buffer exceeded")
		return
	}
	for {
		switch s.state {
		case StateAwaitGreeting:
			consumed, noAuth, err := parseGreeting(s.inBuffer)
			if err != nil {
				e.queueWrite(s, noAcceptableMethodsReply())
				e.closeSocketOnce(s, "bad greeting")
				return
			}
			if consumed == 0 {
				return
			}
			s.inBuffer = s.inBuffer[consumed:]
			if !noAuth {
				e.queueWrite(s, noAcceptableMethodsReply())
				e.closeSocketOnce(s, "no acceptable methods")
				return
			}
			e.queueWrite(s, methodSelectionReply())
			s.state = StateAwaitRequest
		case StateAwaitRequest:
			consumed, dest, failCode, err := parseRequest(s.inBuffer)
			if err != nil {
				e.queueWrite(s, failureReply(domain.SocksReplyCode(domain.StatusGeneralFailure)))
				e.closeSocketOnce(s, "bad request")
				return
			}
			if consumed == 0 {
				return
			}
			s.inBuffer = s.inBuffer[consumed:]
			if failCode != 0 {
				e.queueWrite(s, failureReply(failCode))
				e.closeSocketOnce(s, "unsupported request")
				return
			}
			// Any bytes the client pipelined right after its CONNECT
			// request are session payload, not more SOCKS framing; hold
			// them the same way await_worker holds bytes arriving later.
			leftover := s.inBuffer
			s.inBuffer = nil
			if err := appendBounded(&s.pendingData, leftover); err != nil {
				e.closeSocketOnce(s, "pending buffer exceeded")
				return
			}
			s.requestedDest = dest
			s.state = StateAwaitWorker
			e.enqueuePendingClient(s)
			return
		default:
			return
		}
	}
}

// --- worker handshake ---------------------------------------------------

func (e *Engine) feedHelloBytes(s *socket, data []byte) {
	if err := appendBounded(&s.inBuffer, data); err != nil {
		e.closeSocketOnce(s, "hello buffer exceeded")
		return
	}
	line, rest, found := splitLine(s.inBuffer)
	if !found {
		return
	}
	s.inBuffer = rest

	parsed, err := wire.ParseHello(line)
	if err != nil {
		e.log.Warn("invalid hello", "fd", s.fd, "error", err)
		e.closeSocketOnce(s, "invalid hello")
		return
	}

	if !e.modeCommitted {
		if e.opts.Mode != domain.ModeAuto {
			e.log.Warn("worker mode rejected before commit", "fd", s.fd)
			e.closeSocketOnce(s, "mode not committed")
			return
		}
		e.commitMode(parsed.Mode)
	} else if parsed.Mode != e.activeMode {
		e.log.Warn("worker mode mismatch", "fd", s.fd, "declared", parsed.Mode, "active", e.activeMode)
		e.closeSocketOnce(s, "mode mismatch")
		return
	}

	s.mode = parsed.Mode
	s.declaredDest = parsed.Dest
	// A worker sends exactly one HELLO per session; anything left over is
	// spurious and dropped the same way idle-state bytes are ignored.
	s.inBuffer = nil
	e.sendLine(s, "OK")
	s.state = StateIdle
	e.enqueueIdleWorker(s)
}

// --- worker reply / transition to streaming -----------------------------

func (e *Engine) feedReplyBytes(s *socket, data []byte) {
	if err := appendBounded(&s.inBuffer, data); err != nil {
		e.teardownPair(s, "reply buffer exceeded")
		return
	}
	line, rest, found := splitLine(s.inBuffer)
	if !found {
		return
	}
	s.inBuffer = nil

	parsed, err := wire.ParseReply(line)
	if err != nil {
		e.log.Warn("invalid reply", "fd", s.fd, "error", err)
		e.teardownPair(s, "invalid reply")
		return
	}
	e.onWorkerReply(s, parsed)

	// No control line is ever emitted once a socket enters stream state;
	// anything the worker packed into the same TCP segment right after its
	// REPLY line is already target-sourced stream payload, and must be
	// forwarded now since no further read event will deliver it.
	if len(rest) > 0 && s.state == StateStream {
		e.forwardStreamBytes(s, rest)
	}
}

func (e *Engine) onWorkerReply(worker *socket, reply *wire.ParsedReply) {
	client := worker.peer
	if reply.Status != domain.StatusSuccess {
		e.log.Info("worker reply failure", "fd", worker.fd, "status", reply.Status)
		if client != nil {
			if e.activeMode == domain.ModeSocks {
				e.queueWrite(client, failureReply(domain.SocksReplyCode(reply.Status)))
			}
			e.closeSocketOnce(client, "worker reply failure")
		}
		// The worker is not reusable mid-session: close it too, so the
		// pool's outer redial loop replaces it.
		e.closeSocketOnce(worker, "worker reply failure")
		return
	}

	if client == nil {
		e.closeSocketOnce(worker, "reply with no client peer")
		return
	}

	if e.activeMode == domain.ModeSocks {
		e.queueWrite(client, successReply(reply.Dest))
	}

	client.state = StateStream
	worker.state = StateStream

	// Deliver bytes buffered during the control-plane stages strictly
	// before any bytes arriving after the transition.
	if len(client.pendingData) > 0 {
		e.queueWrite(worker, client.pendingData)
		client.pendingData = nil
	}
}

// --- teardown -------------------------------------------------------------

// teardownPair closes s and, if paired, its peer — used for hard-failure
// paths (buffer overflow, protocol error mid-stream) where half-close does
// not apply.
func (e *Engine) teardownPair(s *socket, reason string) {
	peer := s.peer
	e.closeSocketOnce(s, reason)
	if peer != nil {
		e.closeSocketOnce(peer, reason)
	}
}

// closeSocketOnce closes s exactly once and cascades closure to the peer
// exactly once, nulling the peer field before recursing so the two-step
// close can't loop.
func (e *Engine) closeSocketOnce(s *socket, reason string) {
	if s.state == StateClosed {
		return // already closed
	}
	if _, ok := e.sockets[s.fd]; ok {
		delete(e.sockets, s.fd)
		_ = e.loop.unregister(s.fd)
		_ = unix.Close(s.fd)
	}
	e.log.Debug("socket closed", "fd", s.fd, "role", s.role, "reason", reason)

	peer := s.peer
	s.peer = nil
	s.queued = false
	s.state = StateClosed

	if peer == nil || peer.peer != s {
		return
	}
	peer.peer = nil

	switch {
	case peer.role == RoleClient && peer.state == StateAwaitReply:
		// The worker was lost (crash, dial failure without a REPLY) while
		// the client was still waiting: treat it the same as an explicit
		// nonzero REPLY.
		if e.activeMode == domain.ModeSocks {
			e.queueWrite(peer, failureReply(domain.SocksReplyCode(domain.StatusGeneralFailure)))
		}
		e.closeSocketOnce(peer, "worker lost while awaiting reply")
	case peer.state == StateStream:
		// A live streaming peer loses its partner: route it through
		// handleEOF, which finds no peer left and closes it at once;
		// bytes still queued in its outBuffer are not drained.
		e.handleEOF(peer)
	default:
		e.closeSocketOnce(peer, "peer closed: "+reason)
	}
}

// splitLine extracts the first \n-terminated line from buf (accepting a
// preceding \r), returning the trimmed line, the remaining buffer, and
// whether a full line was found.
func splitLine(buf []byte) (line string, rest []byte, found bool) {
	for i, b := range buf {
		if b == '\n' {
			end := i
			if end > 0 && buf[end-1] == '\r' {
				end--
			}
			return string(buf[:end]), buf[i+1:], true
		}
	}
	return "", buf, false
}
