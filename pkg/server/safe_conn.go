package server

import (
	"net"
	"sync"
	"time"

	"github.com/chatrelay/relay/pkg/protocol"
)

// Transport is the minimal connection surface the broker needs. TCP
// connections use the length-prefixed frame codec; the WebSocket bridge
// adapts gorilla connections, whose transport frames messages itself.
type Transport interface {
	// ReadPayload blocks until one complete message payload has
	// arrived. Implementations apply their own read-deadline policy; a
	// returned net.Error timeout means nothing was consumed and the
	// call may be retried.
	ReadPayload() ([]byte, error)

	// WritePayload sends one payload as a single logical unit. Not
	// safe for concurrent use; SafeConn serializes callers.
	WritePayload(p []byte, deadline time.Time) error

	RemoteAddr() net.Addr
	Close() error
}

// tcpTransport reads and writes frames on a net.Conn.
type tcpTransport struct {
	conn        net.Conn
	maxFrame    uint32
	readTimeout time.Duration
}

func newTCPTransport(conn net.Conn, maxFrame uint32, readTimeout time.Duration) *tcpTransport {
	return &tcpTransport{conn: conn, maxFrame: maxFrame, readTimeout: readTimeout}
}

func (t *tcpTransport) ReadPayload() ([]byte, error) {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	return protocol.DecodeFrameLimit(t.conn, t.maxFrame)
}

func (t *tcpTransport) WritePayload(p []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	return protocol.EncodeFrame(t.conn, p)
}

func (t *tcpTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// SafeConn wraps a Transport with automatic write synchronization.
//
// Under load multiple goroutines (the session's own command replies and
// broadcast senders on behalf of other sessions) may write to the same
// connection simultaneously. Without synchronization their frame bytes
// interleave on the wire and corrupt the stream. SafeConn encapsulates
// the transport and its write mutex so writing without the lock is
// impossible.
type SafeConn struct {
	transport    Transport
	writeTimeout time.Duration
	mu           sync.Mutex // protects writes
}

// NewSafeConn wraps a transport with write synchronization. A zero
// writeTimeout disables per-write deadlines.
func NewSafeConn(transport Transport, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{transport: transport, writeTimeout: writeTimeout}
}

// WritePayload sends one payload with write synchronization. This is
// the only way to write to the connection; the transport is private.
func (sc *SafeConn) WritePayload(p []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var deadline time.Time
	if sc.writeTimeout > 0 {
		deadline = time.Now().Add(sc.writeTimeout)
	}
	return sc.transport.WritePayload(p, deadline)
}

// ReadPayload reads one payload. Reads don't need write synchronization
// and are only ever issued by the session's own read loop.
func (sc *SafeConn) ReadPayload() ([]byte, error) {
	return sc.transport.ReadPayload()
}

// Close closes the underlying transport.
func (sc *SafeConn) Close() error {
	return sc.transport.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.transport.RemoteAddr()
}
