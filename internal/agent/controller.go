// ABOUTME: Runs agent sessions from handshake to teardown, evicting duplicates per agent token
// ABOUTME: Owns the per-token disconnect grace timers that stop an agent's instances

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// Defaults for ControllerConfig durations.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultGracePeriod       = 10 * time.Minute
)

// ConnectionRecorder persists connection history. Errors are logged only.
type ConnectionRecorder interface {
	RecordConnection(ctx context.Context, sessionID, agentID, remoteAddr string) error
	RecordDisconnection(ctx context.Context, sessionID, reason string) error
}

// ControllerConfig wires a Controller's collaborators.
type ControllerConfig struct {
	Registry   *Registry
	Correlator *Correlator
	Router     *Router
	Fleet      *fleet.Store
	Verifier   auth.Verifier
	// Recorder is optional.
	Recorder ConnectionRecorder

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GracePeriod       time.Duration

	Logger *slog.Logger
}

// Controller owns session establishment and teardown. A single mutex
// serializes handshakes, cleanups and grace expiry so that at most one
// session per agent token is ever registered.
type Controller struct {
	registry   *Registry
	correlator *Correlator
	router     *Router
	fleet      *fleet.Store
	verifier   auth.Verifier
	recorder   ConnectionRecorder

	interval    time.Duration
	timeout     time.Duration
	gracePeriod time.Duration

	logger *slog.Logger

	mu    sync.Mutex
	grace map[string]*Timer
}

// NewController creates a Controller, applying defaults to zero durations.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		registry:    cfg.Registry,
		correlator:  cfg.Correlator,
		router:      cfg.Router,
		fleet:       cfg.Fleet,
		verifier:    cfg.Verifier,
		recorder:    cfg.Recorder,
		interval:    cfg.HeartbeatInterval,
		timeout:     cfg.HeartbeatTimeout,
		gracePeriod: cfg.GracePeriod,
		logger:      logger.With("component", "controller"),
		grace:       make(map[string]*Timer),
	}
	if c.interval <= 0 {
		c.interval = DefaultHeartbeatInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultHeartbeatTimeout
	}
	if c.gracePeriod <= 0 {
		c.gracePeriod = DefaultGracePeriod
	}
	return c
}

type inboundKind int

const (
	inboundFrame inboundKind = iota
	inboundClosed
)

// inboundEvent is everything the reader goroutine hands to the dispatch loop.
type inboundEvent struct {
	kind inboundKind
	data []byte
	err  error
}

// Serve authenticates a connection and runs it until the transport closes,
// the session is evicted or torn down, or ctx ends. It returns
// auth.ErrUnauthorized for rejected credentials and ErrProtocolViolation
// when the agent broke the handshake rules.
func (c *Controller) Serve(ctx context.Context, t Transport, credential, remoteAddr string) error {
	identity, err := c.verifier.Verify(ctx, credential)
	if err != nil {
		metrics.Handshakes.WithLabelValues("unauthorized").Inc()
		c.logger.Warn("agent authentication failed", "remote_addr", remoteAddr, "error", err)
		_ = t.Close(ClosePolicyViolation, "unauthorized")
		if errors.Is(err, auth.ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	sess := c.register(identity, remoteAddr, t)
	metrics.Handshakes.WithLabelValues("accepted").Inc()
	c.record(func(r ConnectionRecorder) error {
		return r.RecordConnection(ctx, sess.ID, sess.AgentToken, remoteAddr)
	})

	ack, err := protocol.New(protocol.TypeConnected, protocol.ConnectedPayload{SessionID: sess.ID})
	if err == nil {
		err = sess.Send(ack)
	}
	if err != nil {
		c.teardown(sess.ID, false, CloseNormal, "closed", "ack failed")
		return fmt.Errorf("sending handshake ack: %w", err)
	}

	return c.dispatch(ctx, sess, t)
}

// register evicts any session holding the same token, cancels the token's
// grace timer, and registers a fresh session with its liveness monitor. The
// evicted transport is closed after the lock is released so a stuck peer
// cannot hold up other agents.
func (c *Controller) register(identity *auth.Identity, remoteAddr string, t Transport) *Session {
	c.mu.Lock()
	var evicted *Session
	if prev, ok := c.registry.FindByToken(identity.AgentToken); ok {
		c.logger.Info("replacing existing session",
			"agent_token", identity.AgentToken,
			"old_session_id", prev.ID,
		)
		evicted = c.cleanupLocked(prev.ID, true, "evicted")
	}
	if tm, ok := c.grace[identity.AgentToken]; ok {
		tm.Cancel()
		delete(c.grace, identity.AgentToken)
	}

	sess := newSession(uuid.New().String(), identity.AgentToken, identity.OwnerID, remoteAddr, t)
	sess.monitor = NewMonitor(c.interval, c.timeout, sess.ping, func(reason string) {
		c.logger.Warn("agent unresponsive", "session_id", sess.ID, "agent_token", sess.AgentToken, "reason", reason)
		c.teardown(sess.ID, false, CloseNormal, "liveness", reason)
	})
	t.SetPongHandler(sess.monitor.Pong)

	c.registry.Insert(sess)
	metrics.SessionsActive.Inc()
	sess.monitor.Start()
	c.mu.Unlock()

	c.logger.Info("agent connected",
		"session_id", sess.ID,
		"agent_token", sess.AgentToken,
		"owner_id", sess.OwnerID,
		"remote_addr", remoteAddr,
	)
	if evicted != nil {
		evicted.closeTransport(CloseNormal, "evicted")
		go c.record(func(r ConnectionRecorder) error {
			return r.RecordDisconnection(context.Background(), evicted.ID, "evicted")
		})
	}
	return sess
}

// dispatch is the per-session loop: one reader goroutine feeds a single
// channel and frames are routed in arrival order.
func (c *Controller) dispatch(ctx context.Context, sess *Session, t Transport) error {
	events := make(chan inboundEvent, 16)
	go func() {
		for {
			data, err := t.ReadFrame()
			ev := inboundEvent{kind: inboundFrame, data: data}
			if err != nil {
				ev = inboundEvent{kind: inboundClosed, err: err}
			}
			select {
			case events <- ev:
			case <-sess.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.teardown(sess.ID, false, CloseNormal, "shutdown", "gateway shutting down")
			return nil
		case <-sess.Done():
			return nil
		case ev := <-events:
			// A torn-down session may still have frames queued; they must
			// not reach the router once its replacement is live.
			select {
			case <-sess.Done():
				return nil
			default:
			}
			if ev.kind == inboundClosed {
				c.logger.Debug("agent transport closed", "session_id", sess.ID, "error", ev.err)
				c.teardown(sess.ID, false, CloseNormal, "closed", "transport closed")
				return nil
			}
			if err := c.router.Route(ctx, sess, ev.data); err != nil {
				c.logger.Warn("closing session", "session_id", sess.ID, "error", err)
				c.teardown(sess.ID, false, ClosePolicyViolation, "protocol", err.Error())
				return err
			}
		}
	}
}

// Cleanup tears a session down. immediate is used for takeovers and cancels
// the token's grace timer; otherwise the grace timer is (re)armed. A session
// that is already gone is a no-op.
func (c *Controller) Cleanup(sessionID string, immediate bool) {
	c.teardown(sessionID, immediate, CloseNormal, "closed", "cleanup")
}

func (c *Controller) teardown(sessionID string, immediate bool, code int, kind, reason string) {
	c.mu.Lock()
	sess := c.cleanupLocked(sessionID, immediate, kind)
	c.mu.Unlock()

	if sess == nil {
		return
	}
	sess.closeTransport(code, kind)
	c.logger.Info("agent disconnected",
		"session_id", sessionID,
		"agent_token", sess.AgentToken,
		"reason", reason,
		"immediate", immediate,
	)
	c.record(func(r ConnectionRecorder) error {
		return r.RecordDisconnection(context.Background(), sessionID, reason)
	})
}

// cleanupLocked retires a session from the controller's state. It does not
// close the transport; callers do that once c.mu is released.
func (c *Controller) cleanupLocked(sessionID string, immediate bool, kind string) *Session {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		return nil
	}

	sess.monitor.Stop()
	sess.markClosed()
	c.correlator.RejectAll(sessionID)
	c.registry.Remove(sessionID)
	metrics.SessionsActive.Dec()
	metrics.Teardowns.WithLabelValues(kind).Inc()

	token := sess.AgentToken
	if tm, ok := c.grace[token]; ok {
		tm.Cancel()
		delete(c.grace, token)
	}
	if !immediate {
		c.grace[token] = AfterFunc(c.gracePeriod, func() { c.expireGrace(token) })
	}
	return sess
}

// expireGrace stops the token's instances if the timer that fired is still
// the current one and the agent has not come back.
func (c *Controller) expireGrace(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm, ok := c.grace[token]
	if !ok || !tm.Fired() {
		return
	}
	delete(c.grace, token)
	if _, live := c.registry.FindByToken(token); live {
		return
	}

	stopped := c.fleet.StopOwnedBy(token)
	metrics.GraceExpirations.Inc()
	c.logger.Info("grace period expired, instances marked stopped",
		"agent_token", token,
		"instances", stopped,
	)
}

// Close tears down every session immediately and cancels all grace timers.
func (c *Controller) Close() {
	for _, info := range c.registry.List() {
		c.teardown(info.ID, true, CloseNormal, "shutdown", "gateway shutting down")
	}

	c.mu.Lock()
	for token, tm := range c.grace {
		tm.Cancel()
		delete(c.grace, token)
	}
	c.mu.Unlock()

	c.correlator.RejectAll("")
}

func (c *Controller) record(fn func(ConnectionRecorder) error) {
	if c.recorder == nil {
		return
	}
	if err := fn(c.recorder); err != nil {
		c.logger.Warn("recording connection event", "error", err)
	}
}
