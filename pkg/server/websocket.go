package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/chatrelay/relay/pkg/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The broker accepts any claimed identity, so cross-origin browser
	// clients are fine too.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTransport adapts a gorilla WebSocket connection to the broker's
// Transport. WebSocket frames messages itself, so the 4-byte length
// prefix is not re-applied; each binary message carries exactly one
// envelope payload.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn, maxFrame uint32) *wsTransport {
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn}
}

// ReadPayload reads one message. No read deadline is applied: gorilla
// poisons a connection whose deadline expired, so shutdown unblocks
// this read by closing the transport instead.
func (t *wsTransport) ReadPayload() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, protocol.ErrConnectionClosed
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return data, nil
}

func (t *wsTransport) WritePayload(p []byte, deadline time.Time) error {
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HandleWebSocket upgrades an HTTP request and joins the client to the
// broker. WebSocket sessions live in the same registry as TCP sessions
// and receive the same broadcasts.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	transport := newWSTransport(conn, s.config.MaxFrameSize)
	s.runSession(NewSafeConn(transport, s.config.WriteTimeout))
}
