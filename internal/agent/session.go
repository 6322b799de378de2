// ABOUTME: Represents one authenticated agent connection and its duplex transport.
// ABOUTME: Serializes writes and exposes the synced gate and liveness state.

package agent

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// WebSocket close codes used when the gateway ends a session.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
)

// ErrTransportClosed is returned when writing to a session that is shutting down.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the duplex channel a session runs over. ReadFrame is only
// called from the session's reader goroutine; the other methods may be
// called concurrently with it.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Ping() error
	// SetPongHandler installs f to be called for every pong received.
	SetPongHandler(f func())
	Close(code int, reason string) error
}

// Session is one live authenticated connection from an agent.
type Session struct {
	ID          string
	AgentToken  string
	OwnerID     string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex

	synced  atomic.Bool
	monitor *Monitor

	// stateMu orders fleet changes made for this session against its
	// teardown. Routed work holds it shared, markClosed holds it exclusively.
	stateMu       sync.RWMutex
	done          chan struct{}
	closeOnce     sync.Once
	transportOnce sync.Once
	closed        atomic.Bool
}

// SessionInfo is a read-only snapshot of a session for listings.
type SessionInfo struct {
	ID          string    `json:"session_id"`
	AgentToken  string    `json:"agent_token"`
	OwnerID     string    `json:"owner_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Synced      bool      `json:"synced"`
	Alive       bool      `json:"alive"`
}

func newSession(id, agentToken, ownerID, remoteAddr string, t Transport) *Session {
	return &Session{
		ID:          id,
		AgentToken:  agentToken,
		OwnerID:     ownerID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		transport:   t,
		done:        make(chan struct{}),
	}
}

// Synced reports whether the handshake sync frame has been processed.
func (s *Session) Synced() bool {
	return s.synced.Load()
}

// Alive reports the liveness flag maintained by the heartbeat protocol.
func (s *Session) Alive() bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.Alive()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes a frame to the agent.
func (s *Session) Send(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrTransportClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteFrame(data)
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		AgentToken:  s.AgentToken,
		OwnerID:     s.OwnerID,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		Synced:      s.Synced(),
		Alive:       s.Alive(),
	}
}

func (s *Session) ping() error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Ping()
}

// ifOpen runs fn unless the session has been torn down and reports whether
// it ran. Teardown waits for a running fn, so nothing fn changes can land
// after the session is gone. fn must not block on I/O.
func (s *Session) ifOpen(fn func()) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	fn()
	return true
}

// markClosed marks the session done without touching the transport.
func (s *Session) markClosed() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// closeTransport closes the underlying connection once. It may block on a
// slow peer, so callers must not hold the controller lock.
func (s *Session) closeTransport(code int, reason string) {
	s.transportOnce.Do(func() {
		_ = s.transport.Close(code, reason)
	})
}

// shutdown marks the session done and closes its transport.
func (s *Session) shutdown(code int, reason string) {
	s.markClosed()
	s.closeTransport(code, reason)
}
