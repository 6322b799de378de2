// ABOUTME: In-memory agent transport for tests, driven from the agent's side
// ABOUTME: Records pings and close codes and can answer pings automatically

package agenttest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrClosed is returned by writes after the transport closed.
var ErrClosed = errors.New("transport closed")

// Transport is a fake duplex connection. The gateway side uses ReadFrame,
// WriteFrame, Ping, SetPongHandler and Close; tests act as the agent with
// Send, Next, Pong and Disconnect.
type Transport struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}

	closeOnce   sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason string
	pong        func()
	pingErr     error
	closeGate   chan struct{}

	autoPong atomic.Bool
	pings    atomic.Int32
}

// New returns a Transport that answers pings automatically.
func New() *Transport {
	t := &Transport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	t.autoPong.Store(true)
	return t
}

// ReadFrame blocks for the next frame sent by the agent.
func (t *Transport) ReadFrame() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

// WriteFrame queues a frame for the agent.
func (t *Transport) WriteFrame(data []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.outbound <- data:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

// Ping counts the probe and answers it when auto-pong is on.
func (t *Transport) Ping() error {
	t.pings.Add(1)
	t.mu.Lock()
	err := t.pingErr
	pong := t.pong
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if t.autoPong.Load() && pong != nil {
		go pong()
	}
	return nil
}

// SetPongHandler installs the gateway's pong callback.
func (t *Transport) SetPongHandler(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pong = f
}

// Close closes the transport from the gateway side. It blocks while a
// HoldClose is in effect, like a close handshake to a stalled peer.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	gate := t.closeGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.closeReason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// Send delivers a frame from the agent.
func (t *Transport) Send(frameType string, payload any) error {
	f, err := protocol.New(frameType, payload)
	if err != nil {
		return err
	}
	return t.SendFrame(f)
}

// SendFrame delivers a prepared frame from the agent.
func (t *Transport) SendFrame(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return t.SendRaw(data)
}

// SendRaw delivers raw bytes from the agent.
func (t *Transport) SendRaw(data []byte) error {
	select {
	case t.inbound <- data:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

// Respond answers a request frame with a response carrying payload.
func (t *Transport) Respond(req *protocol.Frame, payload any) error {
	f, err := protocol.New(protocol.TypeResponse, payload)
	if err != nil {
		return err
	}
	f.CorrelationID = req.CorrelationID
	return t.SendFrame(f)
}

// RespondError answers a request frame with an error frame.
func (t *Transport) RespondError(req *protocol.Frame, msg string) error {
	return t.SendFrame(&protocol.Frame{
		Type:          protocol.TypeError,
		CorrelationID: req.CorrelationID,
		Error:         msg,
	})
}

// Next returns the next frame written by the gateway.
func (t *Transport) Next(timeout time.Duration) (*protocol.Frame, error) {
	select {
	case data := <-t.outbound:
		return protocol.Decode(data)
	case <-time.After(timeout):
		return nil, fmt.Errorf("no frame within %s", timeout)
	}
}

// Pong invokes the gateway's pong handler as if a pong arrived.
func (t *Transport) Pong() {
	t.mu.Lock()
	pong := t.pong
	t.mu.Unlock()
	if pong != nil {
		pong()
	}
}

// SetAutoPong turns automatic ping answers on or off.
func (t *Transport) SetAutoPong(on bool) {
	t.autoPong.Store(on)
}

// FailPings makes every subsequent Ping return err.
func (t *Transport) FailPings(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

// HoldClose makes Close block until the returned release func is called.
// release is safe to call more than once.
func (t *Transport) HoldClose() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.closeGate = gate
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Disconnect simulates the agent dropping the connection.
func (t *Transport) Disconnect() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Closed is closed once either side closed the transport.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// CloseCode returns the code passed to Close, or 0.
func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Pings returns how many pings the gateway sent.
func (t *Transport) Pings() int {
	return int(t.pings.Load())
}
