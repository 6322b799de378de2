// ABOUTME: Merges the control plane's view of an agent with the agent's own report at handshake
// ABOUTME: First sync trusts the agent; reconnects trust the control plane and stop orphans

package fleet

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/fleet-gateway/internal/metrics"
)

// Mode identifies which reconciliation branch ran.
type Mode string

const (
	// ModeFirstSync runs when the control plane believes nothing is running
	// for the agent, e.g. after a control-plane restart.
	ModeFirstSync Mode = "first_sync"
	// ModeReconnect runs when the control plane already has running records.
	ModeReconnect Mode = "reconnect"
)

// Result describes what a reconciliation changed.
type Result struct {
	Mode Mode

	// First sync.
	Created []string
	Removed []string
	// Reported names previously owned by another agent.
	Reassigned []string

	// Reconnect.
	Ghosts  []string // believed running, not reported: marked stopped
	Orphans []string // reported, not believed running: stop issued
	Kept    []string // both: session id refreshed
}

// StopIssuer sends a stop command for an instance on a session.
type StopIssuer interface {
	IssueStop(ctx context.Context, sessionID, instance string) error
}

// Reconciler runs the handshake-time merge.
type Reconciler struct {
	store        *Store
	issuer       StopIssuer
	logger       *slog.Logger
	issueTimeout time.Duration
}

// NewReconciler creates a Reconciler. issuer may be nil, in which case
// orphans are only logged.
func NewReconciler(store *Store, issuer StopIssuer, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:        store,
		issuer:       issuer,
		logger:       logger.With("component", "reconciler"),
		issueTimeout: 30 * time.Second,
	}
}

// Reconcile merges the agent's reported running set into the store. The
// store mutation is atomic; orphan stop commands are issued in the
// background so the caller's session can keep processing their responses.
func (r *Reconciler) Reconcile(ctx context.Context, agentToken, sessionID string, reported []string) Result {
	res := r.store.reconcile(agentToken, sessionID, normalizeNames(reported))

	r.logger.Info("reconciled agent",
		"agent_token", agentToken,
		"session_id", sessionID,
		"mode", res.Mode,
		"created", res.Created,
		"removed", res.Removed,
		"ghosts", res.Ghosts,
		"orphans", res.Orphans,
		"kept", res.Kept,
	)
	metrics.Reconciliations.WithLabelValues(string(res.Mode)).Inc()
	for kind, names := range map[string][]string{
		"created": res.Created,
		"removed": res.Removed,
		"ghost":   res.Ghosts,
		"orphan":  res.Orphans,
		"kept":    res.Kept,
	} {
		metrics.ReconciledInstances.WithLabelValues(kind).Add(float64(len(names)))
	}

	for _, name := range res.Reassigned {
		r.logger.Warn("instance reported by a different agent, ownership moved",
			"instance", name,
			"agent_token", agentToken,
		)
	}

	for _, name := range res.Orphans {
		if r.issuer == nil {
			r.logger.Warn("orphan instance running, no command surface to stop it",
				"instance", name,
				"session_id", sessionID,
			)
			continue
		}
		go r.issueStop(context.WithoutCancel(ctx), sessionID, name)
	}

	return res
}

func (r *Reconciler) issueStop(ctx context.Context, sessionID, name string) {
	ctx, cancel := context.WithTimeout(ctx, r.issueTimeout)
	defer cancel()

	if err := r.issuer.IssueStop(ctx, sessionID, name); err != nil {
		r.logger.Error("stopping orphan instance failed",
			"instance", name,
			"session_id", sessionID,
			"error", err,
		)
		return
	}
	r.logger.Info("stopped orphan instance", "instance", name, "session_id", sessionID)
}

// reconcile applies the merge under the store lock.
func (s *Store) reconcile(token, sessionID string, reported []string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	controlRunning := s.runningOwnedByLocked(token)

	if len(controlRunning) == 0 {
		res := Result{Mode: ModeFirstSync}
		for name, inst := range s.instances {
			if inst.OwnerToken == token {
				delete(s.instances, name)
				res.Removed = append(res.Removed, name)
			}
		}
		for _, name := range reported {
			if prev, ok := s.instances[name]; ok && prev.OwnerToken != token {
				res.Reassigned = append(res.Reassigned, name)
			}
			s.instances[name] = &Instance{
				Name:       name,
				Status:     StatusRunning,
				OwnerToken: token,
				SessionID:  sessionID,
				UpdatedAt:  now,
			}
			res.Created = append(res.Created, name)
		}
		sort.Strings(res.Removed)
		return res
	}

	res := Result{Mode: ModeReconnect}
	believed := make(map[string]bool, len(controlRunning))
	for _, name := range controlRunning {
		believed[name] = true
	}
	reportedSet := make(map[string]bool, len(reported))
	for _, name := range reported {
		reportedSet[name] = true
	}

	for _, name := range controlRunning {
		inst := s.instances[name]
		if reportedSet[name] {
			inst.SessionID = sessionID
			inst.Status = StatusRunning
			inst.UpdatedAt = now
			res.Kept = append(res.Kept, name)
			continue
		}
		inst.Status = StatusStopped
		inst.SessionID = ""
		inst.UpdatedAt = now
		res.Ghosts = append(res.Ghosts, name)
	}
	for _, name := range reported {
		if !believed[name] {
			res.Orphans = append(res.Orphans, name)
		}
	}
	return res
}

// normalizeNames drops empty and duplicate names and sorts the rest.
func normalizeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
