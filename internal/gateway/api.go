// ABOUTME: JSON HTTP API for sessions, fleet instances, and registered agents
// ABOUTME: Instance start/stop go through the command service and wait for the agent's answer

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/command"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/store"
)

const defaultConnectionLimit = 50

// registerAPIRoutes mounts /api behind the admin bearer token when one is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/instances", g.handleListInstances)
	api.HandleFunc("POST /api/instances/{name}/start", g.handleStartInstance)
	api.HandleFunc("POST /api/instances/{name}/stop", g.handleStopInstance)
	api.HandleFunc("DELETE /api/instances/{name}", g.handleRemoveInstance)
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/agents/{id}/connections", g.handleListConnections)

	if g.config.Auth.AdminToken == "" {
		g.logger.Warn("HTTP API auth disabled - no admin_token configured")
	}
	mux.Handle("/api/", auth.RequireBearer(g.config.Auth.AdminToken)(api))
}

// AgentResponse is the JSON shape of a registered agent. The token hash is never exposed.
type AgentResponse struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	DisplayName string  `json:"display_name,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	LastSeen    *string `json:"last_seen,omitempty"`
	LastAddress string  `json:"last_address,omitempty"`
	Connected   bool    `json:"connected"`
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.List())
}

// handleListInstances handles GET /api/instances.
func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.fleet.List())
}

// handleStartInstance handles POST /api/instances/{name}/start?agent=TOKEN.
func (g *Gateway) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agentToken := r.URL.Query().Get("agent")
	if agentToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent query parameter is required")
		return
	}

	if err := g.commands.Start(r.Context(), agentToken, name); err != nil {
		g.sendCommandError(w, err)
		return
	}
	inst, _ := g.fleet.Get(name)
	writeJSON(w, http.StatusOK, inst)
}

// handleStopInstance handles POST /api/instances/{name}/stop.
func (g *Gateway) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.commands.Stop(r.Context(), name); err != nil {
		g.sendCommandError(w, err)
		return
	}
	inst, _ := g.fleet.Get(name)
	writeJSON(w, http.StatusOK, inst)
}

// handleRemoveInstance handles DELETE /api/instances/{name}.
func (g *Gateway) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	if err := g.commands.Remove(r.PathValue("name")); err != nil {
		g.sendCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		_, connected := g.registry.FindByToken(a.ID)
		resp := AgentResponse{
			ID:          a.ID,
			OwnerID:     a.OwnerID,
			DisplayName: a.DisplayName,
			Status:      string(a.Status),
			CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
			LastAddress: a.LastAddress,
			Connected:   connected,
		}
		if a.LastSeen != nil {
			seen := a.LastSeen.UTC().Format(time.RFC3339)
			resp.LastSeen = &seen
		}
		response = append(response, resp)
	}
	writeJSON(w, http.StatusOK, response)
}

// handleListConnections handles GET /api/agents/{id}/connections?limit=N.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	limit := defaultConnectionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	conns, err := g.store.ListConnections(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.logger.Error("listing connections", "agent_id", r.PathValue("id"), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []*store.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// sendCommandError maps command failures onto HTTP statuses.
func (g *Gateway) sendCommandError(w http.ResponseWriter, err error) {
	var remote *agent.RemoteError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, command.ErrNotRunning), errors.Is(err, command.ErrStillRunning):
		status = http.StatusConflict
	case errors.Is(err, command.ErrAgentOffline),
		errors.Is(err, agent.ErrSessionNotFound),
		errors.Is(err, agent.ErrSessionClosed),
		errors.Is(err, agent.ErrTransportClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrRequestTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &remote):
		status = http.StatusBadGateway
	default:
		g.logger.Error("command failed", "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
