package hub

import (
	"contun/internal/domain"
	"contun/internal/wire"
)

// enqueuePendingClient and enqueueIdleWorker hold one half of a future pair
// until dispatch can match it against the other queue.

func (e *Engine) enqueuePendingClient(s *socket) {
	s.queued = true
	e.pendingClients = append(e.pendingClients, s)
	e.dispatch()
}

func (e *Engine) enqueueIdleWorker(s *socket) {
	s.queued = true
	e.idleWorkers = append(e.idleWorkers, s)
	e.dispatch()
}

// dispatch pairs one idle worker with one pending client, FIFO on both
// sides, discarding stale queue entries whose state no longer matches.
func (e *Engine) dispatch() {
	for {
		worker := popValid(&e.idleWorkers, func(s *socket) bool {
			return s.role == RoleWorker && s.state == StateIdle && s.peer == nil
		})
		if worker == nil {
			return
		}
		client := popValid(&e.pendingClients, func(s *socket) bool {
			return s.role == RoleClient && s.state == StateAwaitWorker && s.peer == nil
		})
		if client == nil {
			// Put the worker back at the front; no client is ready yet.
			worker.queued = true
			e.idleWorkers = append([]*socket{worker}, e.idleWorkers...)
			return
		}
		e.pair(client, worker)
	}
}

// popValid pops entries off the front of queue until it finds one that
// still satisfies valid, discarding the rest. A socket can sit in a queue
// and then close or get paired elsewhere before its turn comes up; those
// stale entries are simply dropped rather than scanned for explicitly.
func popValid(queue *[]*socket, valid func(*socket) bool) *socket {
	for len(*queue) > 0 {
		s := (*queue)[0]
		*queue = (*queue)[1:]
		s.queued = false
		if valid(s) {
			return s
		}
	}
	return nil
}

func (e *Engine) pair(client, worker *socket) {
	client.peer = worker
	worker.peer = client

	var dest domain.Destination
	if e.activeMode == domain.ModeDirect {
		if worker.declaredDest == nil {
			e.log.Error("direct worker missing declared destination", "fd", worker.fd)
			e.teardownPair(client, "internal error: no declared destination")
			return
		}
		dest = *worker.declaredDest
	} else {
		if client.requestedDest == nil {
			e.log.Error("socks client missing requested destination", "fd", client.fd)
			e.teardownPair(client, "internal error: no requested destination")
			return
		}
		dest = *client.requestedDest
	}

	client.state = StateAwaitReply
	worker.state = StateAwaitReply
	e.sendLine(worker, wire.RequestLine(dest))
	e.log.Debug("paired", "client_fd", client.fd, "worker_fd", worker.fd, "dest", dest.Host)
}
