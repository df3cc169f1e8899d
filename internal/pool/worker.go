package pool

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"contun/internal/domain"
	"contun/internal/wire"
)

// worker runs one independent hub control connection: dial, HELLO, then a
// loop of REQUEST -> dial target -> REPLY -> bridge -> next REQUEST. Split
// out from the supervisor so it only owns lifecycle handles.
type worker struct {
	id     int
	opts   Options
	log    *slog.Logger
	dialer net.Dialer
	boff   *backoff.Backoff
}

func newWorker(id int, opts Options, log *slog.Logger, dialer net.Dialer) *worker {
	return &worker{
		id:     id,
		opts:   opts,
		log:    log,
		dialer: dialer,
		boff: &backoff.Backoff{
			Min:    opts.RetryDelay,
			Max:    opts.RetryDelay,
			Factor: 1,
		},
	}
}

// run is the outer redial loop: on any fatal session error it closes the
// hub connection and waits opts.RetryDelay, cancellation-aware, before
// redialling. It never returns except on context cancellation.
func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.dialHub(ctx)
		if err != nil {
			w.log.Warn("failed to connect to hub", "error", err)
			if !sleepWithContext(ctx, w.boff.Duration()) {
				return
			}
			continue
		}
		w.boff.Reset()

		w.log.Info("connected to hub")
		sessionCtx, cancel := context.WithCancel(ctx)
		err = w.handleHubSession(sessionCtx, conn)
		cancel()
		_ = conn.Close()

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			w.log.Warn("session error", "error", err)
		} else {
			w.log.Info("session ended")
		}

		if !sleepWithContext(ctx, w.boff.Duration()) {
			return
		}
	}
}

func (w *worker) dialHub(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := w.dialer.DialContext(dialCtx, "tcp", hubAddress(w.opts))
	if err != nil {
		return nil, errors.Wrap(err, "dial hub")
	}
	return conn, nil
}

// handleHubSession performs the HELLO handshake, then loops reading
// REQUEST lines until the hub connection ends or ctx is cancelled.
func (w *worker) handleHubSession(ctx context.Context, hub net.Conn) error {
	abort := make(chan struct{})
	defer close(abort)
	go func() {
		select {
		case <-ctx.Done():
			_ = hub.Close()
		case <-abort:
		}
	}()

	reader := bufio.NewReader(hub)
	writer := bufio.NewWriter(hub)

	if err := w.performHandshake(writer, reader); err != nil {
		return errors.Wrap(err, "handshake failed")
	}

	for ctx.Err() == nil {
		line, err := wire.ReadLine(reader)
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		dest, err := wire.ParseRequest(line)
		if err != nil {
			w.log.Warn("invalid request", "line", line, "error", err)
			continue
		}
		if err := domain.ValidateDestination(*dest); err != nil {
			w.log.Warn("invalid destination", "line", line, "error", err)
			if err := w.sendReply(writer, domain.StatusGeneralFailure, zeroDest()); err != nil {
				return err
			}
			continue
		}

		if w.opts.Mode == domain.ModeDirect && w.opts.DirectDestination != nil {
			d := w.opts.DirectDestination
			if dest.Host != d.Host || dest.Port != d.Port || dest.AddrType != d.AddrType {
				w.log.Warn("rejecting mismatched request", "host", dest.Host, "port", dest.Port)
				if err := w.sendReply(writer, domain.StatusGeneralFailure, zeroDest()); err != nil {
					return err
				}
				continue
			}
		}

		targetConn, err := w.dialTarget(ctx, *dest)
		if err != nil {
			status := mapErrorToStatus(err)
			w.log.Warn("failed to reach target", "host", dest.Host, "port", dest.Port, "error", err)
			if sendErr := w.sendReply(writer, status, zeroDest()); sendErr != nil {
				return sendErr
			}
			continue
		}

		w.log.Info("bridging", "host", dest.Host, "port", dest.Port)
		if err := w.sendReply(writer, domain.StatusSuccess, zeroDest()); err != nil {
			_ = targetConn.Close()
			return err
		}
		if reader.Buffered() > 0 {
			_ = targetConn.Close()
			return errors.New("unexpected buffered data before streaming")
		}
		if err := writer.Flush(); err != nil {
			_ = targetConn.Close()
			return err
		}

		if err := w.bridge(ctx, hub, targetConn); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("bridge ended", "error", err)
		}
		_ = targetConn.Close()
		reader.Reset(hub)
		writer.Reset(hub)
	}
	return ctx.Err()
}

func (w *worker) performHandshake(writer *bufio.Writer, reader *bufio.Reader) error {
	line := wire.HelloLine(w.opts.Mode, w.opts.DirectDestination)
	if _, err := writer.WriteString(line + "\n"); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	resp, err := wire.ReadLine(reader)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return errors.Errorf("hub rejected handshake: %s", resp)
	}
	return nil
}

func (w *worker) sendReply(writer *bufio.Writer, status domain.ReplyStatus, dest domain.Destination) error {
	if _, err := writer.WriteString(wire.ReplyLine(status, dest) + "\n"); err != nil {
		return err
	}
	return writer.Flush()
}

func (w *worker) dialTarget(ctx context.Context, dest domain.Destination) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	address := net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port))
	return w.dialer.DialContext(dialCtx, "tcp", address)
}

// bridge splices bytes between the hub control connection and the target
// connection until either side EOFs. Uses half-close (CloseWrite) on copy
// completion rather than tearing down both directions immediately, so a
// one-directional EOF doesn't cut off data still in flight the other way.
func (w *worker) bridge(ctx context.Context, hub net.Conn, target net.Conn) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = hub.Close()
			_ = target.Close()
		case <-done:
		}
	}()

	errCh := make(chan error, 2)
	copyStream := func(dst, src net.Conn) {
		buf := make([]byte, 32*1024)
		_, err := io.CopyBuffer(dst, src, buf)
		if tcp, ok := dst.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		} else {
			_ = dst.Close()
		}
		errCh <- err
	}

	go copyStream(target, hub)
	go copyStream(hub, target)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	close(done)
	return firstErr
}

func zeroDest() domain.Destination {
	return domain.Destination{AddrType: domain.AddrIPv4, Host: "0.0.0.0", Port: 0}
}

// mapErrorToStatus classifies a target-dial error into a REPLY status.
func mapErrorToStatus(err error) domain.ReplyStatus {
	if err == nil {
		return domain.StatusSuccess
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"):
		return domain.StatusConnectionRefused
	case strings.Contains(msg, "network is unreachable"):
		return domain.StatusNetworkUnreachable
	case strings.Contains(msg, "host is unreachable"):
		return domain.StatusHostUnreachable
	case strings.Contains(msg, "no route"):
		return domain.StatusHostUnreachable
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return domain.StatusHostUnreachable
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "lookup"):
		return domain.StatusHostUnreachable
	default:
		return domain.StatusGeneralFailure
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
