// ABOUTME: Command surface for instance start/stop built on the request correlator
// ABOUTME: Updates the fleet store only after the agent confirms the command

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// DefaultRequestTimeout bounds how long an agent has to answer a command.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrAgentOffline is returned when the target agent has no live session.
	ErrAgentOffline = errors.New("agent offline")

	// ErrNotRunning is returned when stopping an instance with no session.
	ErrNotRunning = errors.New("instance not running")

	// ErrStillRunning is returned when removing an instance that is running.
	ErrStillRunning = errors.New("instance is running")
)

// Service issues instance commands to agents. It does not retry.
type Service struct {
	registry   *agent.Registry
	correlator *agent.Correlator
	fleet      *fleet.Store
	timeout    time.Duration
	logger     *slog.Logger
}

// NewService creates a Service. A zero timeout uses DefaultRequestTimeout.
func NewService(registry *agent.Registry, correlator *agent.Correlator, fleetStore *fleet.Store, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:   registry,
		correlator: correlator,
		fleet:      fleetStore,
		timeout:    timeout,
		logger:     logger.With("component", "command"),
	}
}

// IssueStop sends a stop for instance on a specific session. Used by
// reconciliation to stop orphans; the fleet store is left untouched.
func (s *Service) IssueStop(ctx context.Context, sessionID, instance string) error {
	if _, err := s.call(ctx, sessionID, protocol.TypeStop, instance); err != nil {
		return fmt.Errorf("stopping %s: %w", instance, err)
	}
	return nil
}

// Start asks the agent holding agentToken to start instance and marks it
// running on success.
func (s *Service) Start(ctx context.Context, agentToken, instance string) error {
	sess, ok := s.registry.FindByToken(agentToken)
	if !ok {
		return ErrAgentOffline
	}
	if !sess.Synced() {
		return fmt.Errorf("%w: agent %s has not synced", ErrAgentOffline, agentToken)
	}

	if _, err := s.call(ctx, sess.ID, protocol.TypeStart, instance); err != nil {
		return fmt.Errorf("starting %s: %w", instance, err)
	}
	s.fleet.MarkRunning(instance, agentToken, sess.ID)
	s.logger.Info("instance started", "instance", instance, "agent_token", agentToken, "session_id", sess.ID)
	return nil
}

// Stop asks the instance's current session to stop it and marks it stopped
// on success.
func (s *Service) Stop(ctx context.Context, instance string) error {
	inst, ok := s.fleet.Get(instance)
	if !ok {
		return fleet.ErrInstanceNotFound
	}
	if inst.SessionID == "" {
		return ErrNotRunning
	}

	if _, err := s.call(ctx, inst.SessionID, protocol.TypeStop, instance); err != nil {
		if errors.Is(err, agent.ErrSessionNotFound) {
			return ErrAgentOffline
		}
		return fmt.Errorf("stopping %s: %w", instance, err)
	}
	if err := s.fleet.MarkStopped(instance); err != nil {
		return err
	}
	s.logger.Info("instance stopped", "instance", instance, "session_id", inst.SessionID)
	return nil
}

// Remove deletes an instance record. Running instances must be stopped first.
func (s *Service) Remove(instance string) error {
	inst, ok := s.fleet.Get(instance)
	if !ok {
		return fleet.ErrInstanceNotFound
	}
	if inst.Status == fleet.StatusRunning {
		return fmt.Errorf("%w: %s", ErrStillRunning, instance)
	}
	s.fleet.Delete(instance)
	s.logger.Info("instance removed", "instance", instance)
	return nil
}

func (s *Service) call(ctx context.Context, sessionID, frameType, instance string) (json.RawMessage, error) {
	return s.correlator.Call(ctx, sessionID, frameType, protocol.InstanceCommand{Instance: instance}, s.timeout)
}
