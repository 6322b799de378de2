// ABOUTME: Tracks outstanding requests sent to agents and matches responses by correlation id
// ABOUTME: Every request resolves exactly once: response, error, deadline, or session teardown

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/protocol"
)

var (
	// ErrSessionNotFound is returned when sending to a session that is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed rejects requests whose session was torn down before a response.
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestTimeout rejects requests whose deadline passed.
	ErrRequestTimeout = errors.New("request timed out")
)

// RemoteError is an explicit error response sent by an agent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "agent error: " + e.Message
}

// Future is the pending result of a request.
type Future struct {
	CorrelationID string

	done    chan struct{}
	payload json.RawMessage
	err     error
}

func newFuture(id string) *Future {
	return &Future{CorrelationID: id, done: make(chan struct{})}
}

// Done is closed when the request has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the response payload or error. Only valid after Done is closed.
func (f *Future) Result() (json.RawMessage, error) {
	return f.payload, f.err
}

// Wait blocks until the request resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(payload json.RawMessage, err error) {
	f.payload = payload
	f.err = err
	close(f.done)
}

type pendingRequest struct {
	sessionID string
	future    *Future
	deadline  *Timer
}

// Correlator owns the pending request table for all sessions.
type Correlator struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a Correlator that sends through sessions in registry.
func NewCorrelator(registry *Registry, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		registry: registry,
		logger:   logger.With("component", "correlator"),
		pending:  make(map[string]*pendingRequest),
	}
}

// Send transmits a request frame on a session and returns its Future.
// It fails synchronously when the session is not registered or the write fails.
func (c *Correlator) Send(sessionID, frameType string, payload any, timeout time.Duration) (*Future, error) {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		metrics.Requests.WithLabelValues("send_failed").Inc()
		return nil, ErrSessionNotFound
	}

	frame, err := protocol.New(frameType, payload)
	if err != nil {
		return nil, fmt.Errorf("building %s frame: %w", frameType, err)
	}
	id := uuid.New().String()
	frame.CorrelationID = id

	f := newFuture(id)
	c.mu.Lock()
	c.pending[id] = &pendingRequest{
		sessionID: sessionID,
		future:    f,
		deadline: AfterFunc(timeout, func() {
			if c.complete(id, nil, ErrRequestTimeout) {
				c.logger.Warn("request timed out",
					"session_id", sessionID,
					"correlation_id", id,
					"type", frameType,
				)
			}
		}),
	}
	c.mu.Unlock()
	metrics.PendingRequests.Inc()

	if err := sess.Send(frame); err != nil {
		if p := c.take(id); p != nil {
			p.deadline.Cancel()
			metrics.PendingRequests.Dec()
		}
		metrics.Requests.WithLabelValues("send_failed").Inc()
		return nil, fmt.Errorf("sending %s to session %s: %w", frameType, sessionID, err)
	}

	// Teardown may have rejected this session's requests before ours was
	// registered; the done channel closes before that happens.
	select {
	case <-sess.Done():
		c.complete(id, nil, ErrSessionClosed)
	default:
	}

	c.logger.Debug("request sent",
		"session_id", sessionID,
		"correlation_id", id,
		"type", frameType,
	)
	return f, nil
}

// Call sends a request and waits for its result. If ctx ends first the
// request is abandoned.
func (c *Correlator) Call(ctx context.Context, sessionID, frameType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f, err := c.Send(sessionID, frameType, payload, timeout)
	if err != nil {
		return nil, err
	}
	result, err := f.Wait(ctx)
	if ctx.Err() != nil {
		c.complete(f.CorrelationID, nil, ctx.Err())
	}
	return result, err
}

// Resolve delivers a response for correlationID received on sessionID.
// errMsg non-empty marks an explicit error response. A response from a
// session other than the request's owner is ignored. Reports whether a
// pending request was resolved.
func (c *Correlator) Resolve(sessionID, correlationID string, payload json.RawMessage, errMsg string) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("response for unknown request",
			"session_id", sessionID,
			"correlation_id", correlationID,
		)
		return false
	}
	if p.sessionID != sessionID {
		c.mu.Unlock()
		c.logger.Warn("response from non-owning session ignored",
			"session_id", sessionID,
			"owner_session_id", p.sessionID,
			"correlation_id", correlationID,
		)
		return false
	}
	delete(c.pending, correlationID)
	c.mu.Unlock()

	var err error
	if errMsg != "" {
		err = &RemoteError{Message: errMsg}
	}
	c.finish(p, payload, err)
	return true
}

// RejectAll rejects every pending request owned by sessionID, or every
// pending request when sessionID is empty. Returns how many were rejected.
func (c *Correlator) RejectAll(sessionID string) int {
	c.mu.Lock()
	var rejected []*pendingRequest
	for id, p := range c.pending {
		if sessionID == "" || p.sessionID == sessionID {
			rejected = append(rejected, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range rejected {
		c.finish(p, nil, ErrSessionClosed)
	}
	if len(rejected) > 0 {
		c.logger.Info("rejected pending requests", "session_id", sessionID, "count", len(rejected))
	}
	return len(rejected)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes a pending request. Whoever takes it owns its resolution.
func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) complete(id string, payload json.RawMessage, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	c.finish(p, payload, err)
	return true
}

func (c *Correlator) finish(p *pendingRequest, payload json.RawMessage, err error) {
	p.deadline.Cancel()
	p.future.resolve(payload, err)
	metrics.PendingRequests.Dec()
	metrics.Requests.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.As(err, &remote):
		return "error"
	default:
		return "canceled"
	}
}
