// ABOUTME: Store interface and data types for fleet-gateway persistence
// ABOUTME: Holds registered agents and the connection history of their sessions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when registering an agent id that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// AgentStatus is the registration state of an agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusRevoked AgentStatus = "revoked"
)

// Agent is a registered machine allowed to connect with an opaque token.
type Agent struct {
	ID          string
	OwnerID     string
	DisplayName string
	TokenHash   string // bcrypt hash of the token secret
	Status      AgentStatus
	CreatedAt   time.Time
	LastSeen    *time.Time
	LastAddress string
}

// Connection is one session in the connection log.
type Connection struct {
	SessionID      string     `json:"session_id"`
	AgentID        string     `json:"agent_id"`
	RemoteAddr     string     `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Store defines agent registry and connection log persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// Connection log. RecordConnection also refreshes the agent's last
	// seen time and address when the agent is registered.
	RecordConnection(ctx context.Context, sessionID, agentID, remoteAddr string) error
	RecordDisconnection(ctx context.Context, sessionID, reason string) error
	ListConnections(ctx context.Context, agentID string, limit int) ([]*Connection, error)

	// Close releases any resources held by the store
	Close() error
}
