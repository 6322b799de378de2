// ABOUTME: Demultiplexes inbound frames on a session into handshake, responses, and lifecycle events
// ABOUTME: Enforces the sync gate and the instance ownership check for server events

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrProtocolViolation is returned for frames that require closing the session.
var ErrProtocolViolation = errors.New("protocol violation")

// DefaultNotifyTimeout bounds each notifier call made from a dispatch loop.
const DefaultNotifyTimeout = 10 * time.Second

// RouterConfig wires a Router's collaborators.
type RouterConfig struct {
	Store      *fleet.Store
	Reconciler *fleet.Reconciler
	Correlator *Correlator
	Notifier   notify.Notifier
	// Dedupe drops replayed server events by eventId. Optional.
	Dedupe *dedupe.Cache
	// NotifyTimeout bounds each notifier call. Zero means DefaultNotifyTimeout.
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Router handles frames for all sessions. Route is called from each
// session's dispatch loop, so frames of one session arrive in order.
type Router struct {
	store      *fleet.Store
	reconciler *fleet.Reconciler
	correlator *Correlator
	notifier   notify.Notifier
	dedupe     *dedupe.Cache
	notifyWait time.Duration
	logger     *slog.Logger
}

// NewRouter creates a Router. A nil Notifier logs notices instead.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	notifyWait := cfg.NotifyTimeout
	if notifyWait <= 0 {
		notifyWait = DefaultNotifyTimeout
	}
	return &Router{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		correlator: cfg.Correlator,
		notifier:   notifier,
		dedupe:     cfg.Dedupe,
		notifyWait: notifyWait,
		logger:     logger.With("component", "router"),
	}
}

// Route processes one raw frame. It only returns an error when the session
// must be closed; malformed or unexpected frames are logged and dropped.
// Frames for a session that has been torn down are dropped.
func (r *Router) Route(ctx context.Context, s *Session, data []byte) error {
	if s.closed.Load() {
		r.logger.Debug("dropping frame for closed session", "session_id", s.ID)
		return nil
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		metrics.Frames.WithLabelValues("malformed").Inc()
		r.logger.Warn("dropping malformed frame", "session_id", s.ID, "error", err)
		return nil
	}

	if !s.Synced() {
		return r.handleHandshake(ctx, s, frame)
	}

	switch {
	case frame.Type == protocol.TypeSync:
		metrics.Frames.WithLabelValues(protocol.TypeSync).Inc()
		r.logger.Warn("ignoring repeated sync", "session_id", s.ID)
	case frame.Type == protocol.TypeResponse, frame.Type == protocol.TypeError:
		if frame.CorrelationID == "" {
			metrics.Frames.WithLabelValues("unhandled").Inc()
			r.logger.Warn("dropping reply without correlation id", "session_id", s.ID, "type", frame.Type)
			return nil
		}
		r.handleResponse(s, frame)
	case frame.Type == protocol.TypeServerEvent:
		metrics.Frames.WithLabelValues(protocol.TypeServerEvent).Inc()
		r.handleServerEvent(ctx, s, frame)
	default:
		metrics.Frames.WithLabelValues("unhandled").Inc()
		r.logger.Warn("unhandled frame", "session_id", s.ID, "type", frame.Type)
	}
	return nil
}

func (r *Router) handleHandshake(ctx context.Context, s *Session, frame *protocol.Frame) error {
	if frame.Type != protocol.TypeSync {
		return fmt.Errorf("%w: %q frame before sync", ErrProtocolViolation, frame.Type)
	}
	metrics.Frames.WithLabelValues(protocol.TypeSync).Inc()

	names, err := frame.SyncNames()
	if err != nil {
		r.logger.Warn("dropping malformed sync", "session_id", s.ID, "error", err)
		return nil
	}

	ran := s.ifOpen(func() {
		r.reconciler.Reconcile(ctx, s.AgentToken, s.ID, names)
		s.synced.Store(true)
	})
	if !ran {
		r.logger.Debug("dropping sync for closed session", "session_id", s.ID)
		return nil
	}
	r.logger.Info("agent synced",
		"session_id", s.ID,
		"agent_token", s.AgentToken,
		"running", len(names),
	)
	return nil
}

func (r *Router) handleResponse(s *Session, frame *protocol.Frame) {
	var errMsg string
	if frame.Type == protocol.TypeError {
		metrics.Frames.WithLabelValues(protocol.TypeError).Inc()
		errMsg = frame.Error
		if errMsg == "" {
			errMsg = "unspecified error"
		}
	} else {
		metrics.Frames.WithLabelValues(protocol.TypeResponse).Inc()
	}
	r.correlator.Resolve(s.ID, frame.CorrelationID, frame.Payload, errMsg)
}

func (r *Router) handleServerEvent(ctx context.Context, s *Session, frame *protocol.Frame) {
	ev, err := frame.ServerEvent()
	if err != nil {
		r.logger.Warn("dropping malformed server event", "session_id", s.ID, "error", err)
		return
	}

	if ev.EventID != "" && r.dedupe != nil {
		if r.dedupe.Seen(s.AgentToken, ev.EventID) {
			r.logger.Debug("dropping duplicate server event",
				"session_id", s.ID,
				"event_id", ev.EventID,
			)
			return
		}
	}

	switch ev.Event {
	case protocol.EventFailureDetected:
		r.handleFailure(ctx, s, ev)
	case protocol.EventRestartResult:
		r.handleRestartResult(ctx, s, ev)
	default:
		r.logger.Warn("unhandled server event",
			"session_id", s.ID,
			"event", ev.Event,
			"instance", ev.Instance,
		)
	}
}

// ownedInstance returns the instance if it exists and belongs to the
// session's agent. Events about anything else are ignored.
func (r *Router) ownedInstance(s *Session, name string) (fleet.Instance, bool) {
	inst, ok := r.store.Get(name)
	if !ok || inst.OwnerToken != s.AgentToken {
		r.logger.Debug("ignoring event for instance not owned by agent",
			"session_id", s.ID,
			"agent_token", s.AgentToken,
			"instance", name,
		)
		return fleet.Instance{}, false
	}
	return inst, true
}

func (r *Router) handleFailure(ctx context.Context, s *Session, ev *protocol.ServerEvent) {
	var (
		inst  fleet.Instance
		owned bool
	)
	if !s.ifOpen(func() { inst, owned = r.ownedInstance(s, ev.Instance) }) || !owned {
		return
	}

	r.logger.Warn("agent reported instance failure",
		"session_id", s.ID,
		"instance", inst.Name,
		"detail", ev.Detail,
	)

	nctx, cancel := context.WithTimeout(ctx, r.notifyWait)
	ref, err := r.notifier.NotifyCrash(nctx, notify.CrashNotice{
		Instance:   inst.Name,
		AgentToken: s.AgentToken,
		OwnerID:    s.OwnerID,
		Detail:     ev.Detail,
		ThreadRef:  inst.NotifyRef,
	})
	cancel()
	if err != nil {
		r.logger.Error("crash notification failed", "instance", inst.Name, "error", err)
		return
	}

	s.ifOpen(func() {
		if err := r.store.SetNotifyRef(inst.Name, ref); err != nil {
			r.logger.Warn("recording notification reference", "instance", inst.Name, "error", err)
		}
	})
}

func (r *Router) handleRestartResult(ctx context.Context, s *Session, ev *protocol.ServerEvent) {
	success := ev.Success != nil && *ev.Success

	var (
		inst  fleet.Instance
		owned bool
	)
	ran := s.ifOpen(func() {
		inst, owned = r.ownedInstance(s, ev.Instance)
		if !owned {
			return
		}
		if success {
			r.store.MarkRunning(inst.Name, s.AgentToken, s.ID)
		} else if err := r.store.MarkStopped(inst.Name); err != nil {
			r.logger.Warn("marking instance stopped", "instance", inst.Name, "error", err)
		}
		if err := r.store.SetNotifyRef(inst.Name, ""); err != nil {
			r.logger.Warn("clearing notification reference", "instance", inst.Name, "error", err)
		}
	})
	if !ran || !owned {
		return
	}
	r.logger.Info("restart result",
		"session_id", s.ID,
		"instance", inst.Name,
		"success", success,
	)

	nctx, cancel := context.WithTimeout(ctx, r.notifyWait)
	defer cancel()
	err := r.notifier.NotifyRestartResult(nctx, notify.RestartNotice{
		Instance:   inst.Name,
		AgentToken: s.AgentToken,
		OwnerID:    s.OwnerID,
		Success:    success,
		Detail:     ev.Detail,
		Ref:        inst.NotifyRef,
	})
	if err != nil {
		r.logger.Error("restart notification failed", "instance", inst.Name, "error", err)
	}
}
