// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent      // keyed by agent ID
	connections map[string]*Connection // keyed by session ID
	order       []string               // session IDs in insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:      make(map[string]*Agent),
		connections: make(map[string]*Connection),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		copied := *a
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// UpdateAgentStatus changes an agent's status.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// RecordConnection appends to the connection log.
func (m *MockStore) RecordConnection(ctx context.Context, sessionID, agentID, remoteAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	m.connections[sessionID] = &Connection{
		SessionID:   sessionID,
		AgentID:     agentID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
	}
	m.order = append(m.order, sessionID)

	if a, ok := m.agents[agentID]; ok {
		a.LastSeen = &now
		a.LastAddress = remoteAddr
	}
	return nil
}

// RecordDisconnection closes a session's connection log entry.
func (m *MockStore) RecordDisconnection(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[sessionID]
	if !ok || c.DisconnectedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.DisconnectedAt = &now
	c.Reason = reason
	return nil
}

// ListConnections returns connections newest first.
func (m *MockStore) ListConnections(ctx context.Context, agentID string, limit int) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var conns []*Connection
	for i := len(m.order) - 1; i >= 0 && len(conns) < limit; i-- {
		c := m.connections[m.order[i]]
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		copied := *c
		conns = append(conns, &copied)
	}
	return conns, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
