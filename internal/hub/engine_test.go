//go:build linux

package hub

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"contun/internal/domain"
	"contun/internal/wire"
)

// freeLoopbackPort reserves and immediately releases a loopback TCP port,
// following the pack's real-listener test idiom (ensonmj-proxy/server_test.go
// binds "127.0.0.1:0" and reads the assigned port back) rather than guessing
// a fixed port the test runner might not own.
func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// dialUntilReady retries a dial for a short window while the engine's
// goroutine is still registering its listeners.
func dialUntilReady(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// TestEngineDirectModeStreamAndHalfClose drives a real client socket and a
// real worker socket through a live Engine: HELLO, pairing, REQUEST/REPLY,
// bidirectional byte-exact streaming, and a half-close from the client side
// that must not tear down the still-live reverse direction. This is the
// regression coverage for the bridge half-close discipline.
func TestEngineDirectModeStreamAndHalfClose(t *testing.T) {
	clientPort := freeLoopbackPort(t)
	poolPort := freeLoopbackPort(t)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := NewEngine(Options{
		ClientBind: "127.0.0.1",
		ClientPort: clientPort,
		PoolBind:   "127.0.0.1",
		PoolPort:   poolPort,
		Mode:       domain.ModeDirect,
	}, log)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(ctx) }()

	workerConn := dialUntilReady(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(poolPort)))
	defer workerConn.Close()
	workerReader := bufio.NewReader(workerConn)

	dest := domain.Destination{AddrType: domain.AddrIPv4, Host: "93.184.216.34", Port: 80}
	if _, err := workerConn.Write([]byte(wire.HelloLine(domain.ModeDirect, &dest) + "\n")); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	helloReply, err := wire.ReadLine(workerReader)
	if err != nil || helloReply != "OK" {
		t.Fatalf("hello reply = %q, err %v, want OK", helloReply, err)
	}

	clientConn := dialUntilReady(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(clientPort)))
	defer clientConn.Close()

	reqLine, err := wire.ReadLine(workerReader)
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	reqDest, err := wire.ParseRequest(reqLine)
	if err != nil {
		t.Fatalf("parse request line %q: %v", reqLine, err)
	}
	if reqDest.Host != dest.Host || reqDest.Port != dest.Port {
		t.Fatalf("request dest = %+v, want %+v", reqDest, dest)
	}
	if _, err := workerConn.Write([]byte(wire.ReplyLine(domain.StatusSuccess, dest) + "\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	// Streaming is live: bytes flow byte-exact in both directions.
	clientToTarget := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := clientConn.Write(clientToTarget); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if got := readExactly(t, workerConn, len(clientToTarget)); string(got) != string(clientToTarget) {
		t.Fatalf("worker got %q, want %q", got, clientToTarget)
	}

	targetToClientFirst := []byte("HTTP/1.0 200 OK\r\n")
	if _, err := workerConn.Write(targetToClientFirst); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	if got := readExactly(t, clientConn, len(targetToClientFirst)); string(got) != string(targetToClientFirst) {
		t.Fatalf("client got %q, want %q", got, targetToClientFirst)
	}

	// The client half-closes (its request is fully sent) while it's still
	// waiting on the rest of the response. The hub must shut down only the
	// worker-facing write direction and keep relaying the reverse direction,
	// not tear the whole pair down.
	if err := clientConn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("client CloseWrite: %v", err)
	}

	workerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	eofBuf := make([]byte, 1)
	if n, err := workerConn.Read(eofBuf); n != 0 || err != io.EOF {
		t.Fatalf("worker read after client half-close = (%d, %v), want (0, io.EOF)", n, err)
	}

	targetToClientRest := []byte("body delivered after client half-close")
	if _, err := workerConn.Write(targetToClientRest); err != nil {
		t.Fatalf("worker write after client half-close: %v", err)
	}
	if got := readExactly(t, clientConn, len(targetToClientRest)); string(got) != string(targetToClientRest) {
		t.Fatalf("client got %q after half-close, want %q", got, targetToClientRest)
	}

	// Only once the worker side (standing in for the target) also finishes
	// does the pair fully close.
	if err := workerConn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("worker CloseWrite: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	doneBuf := make([]byte, 1)
	if n, err := clientConn.Read(doneBuf); n != 0 || err != io.EOF {
		t.Fatalf("client read after full close = (%d, %v), want (0, io.EOF)", n, err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			t.Fatalf("engine.Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine.Run did not exit after cancel")
	}
}
