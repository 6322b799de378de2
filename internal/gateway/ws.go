// ABOUTME: Adapts a gorilla websocket connection to the agent.Transport interface
// ABOUTME: Frames are text messages; heartbeats use websocket ping/pong control frames

package gateway

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds every write and control frame.
	writeWait = 10 * time.Second

	// maxFrameSize caps a single inbound frame.
	maxFrameSize = 1 << 20
)

// wsTransport implements agent.Transport over a websocket. Writes are
// serialized by the session; control frames may be sent concurrently.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}
}

// ReadFrame returns the next data message. Text and binary messages are
// both handed to the router as raw bytes.
func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteFrame(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// SetPongHandler runs f for every pong. The handler is invoked from the
// reader goroutine while it is inside ReadMessage.
func (t *wsTransport) SetPongHandler(f func()) {
	t.conn.SetPongHandler(func(string) error {
		f()
		return nil
	})
}

// Close sends a close frame with code and reason, then drops the connection.
// Closing an already closed connection is not an error.
func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
