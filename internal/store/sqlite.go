// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists registered agents and the connection log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			display_name TEXT NOT NULL,
			token_hash   TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_seen    TEXT,

			CHECK (status IN ('active', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_id);

		CREATE TABLE IF NOT EXISTS connections (
			session_id      TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			remote_addr     TEXT,
			connected_at    TEXT NOT NULL,
			disconnected_at TEXT,
			reason          TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_connections_agent
			ON connections(agent_id, connected_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('agents') WHERE name = 'last_address'`,
			apply:  `ALTER TABLE agents ADD COLUMN last_address TEXT`,
			column: "last_address",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to agents: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "agents")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateAgent registers a new agent.
// Returns ErrDuplicateAgent if the agent id is taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agents (agent_id, owner_id, display_name, token_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.OwnerID,
		agent.DisplayName,
		agent.TokenHash,
		string(agent.Status),
		agent.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", agent.ID, "owner_id", agent.OwnerID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

const agentColumns = `agent_id, owner_id, display_name, token_hash, status, created_at, last_seen, last_address`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var status, createdAt string
	var lastSeen, lastAddress sql.NullString

	if err := row.Scan(
		&agent.ID,
		&agent.OwnerID,
		&agent.DisplayName,
		&agent.TokenHash,
		&status,
		&createdAt,
		&lastSeen,
		&lastAddress,
	); err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	agent.LastAddress = lastAddress.String

	var err error
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		agent.LastSeen = &t
	}
	return &agent, nil
}

// GetAgent retrieves an agent by id.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all registered agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus changes an agent's registration status.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE agent_id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated agent status", "agent_id", id, "status", status)
	return nil
}

// RecordConnection inserts a connection log row and refreshes the agent's
// last_seen and last_address. Unregistered agents only get the log row.
func (s *SQLiteStore) RecordConnection(ctx context.Context, sessionID, agentID, remoteAddr string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (session_id, agent_id, remote_addr, connected_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, agentID, nullString(remoteAddr), now)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET last_seen = ?, last_address = ? WHERE agent_id = ?
	`, now, nullString(remoteAddr), agentID)
	if err != nil {
		return fmt.Errorf("updating agent last seen: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing connection: %w", err)
	}
	return nil
}

// RecordDisconnection closes the connection log row for a session.
// Returns ErrNotFound if no open row exists.
func (s *SQLiteStore) RecordDisconnection(ctx context.Context, sessionID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections SET disconnected_at = ?, reason = ?
		WHERE session_id = ? AND disconnected_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339), nullString(reason), sessionID)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConnections returns the most recent connections for an agent, newest first.
// An empty agentID lists connections for all agents.
func (s *SQLiteStore) ListConnections(ctx context.Context, agentID string, limit int) ([]*Connection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT session_id, agent_id, remote_addr, connected_at, disconnected_at, reason
		FROM connections
	`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY connected_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		var c Connection
		var remoteAddr, disconnectedAt, reason sql.NullString
		var connectedAt string
		if err := rows.Scan(&c.SessionID, &c.AgentID, &remoteAddr, &connectedAt, &disconnectedAt, &reason); err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		c.RemoteAddr = remoteAddr.String
		c.Reason = reason.String
		c.ConnectedAt, err = time.Parse(time.RFC3339, connectedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing connected_at: %w", err)
		}
		if disconnectedAt.Valid {
			t, err := time.Parse(time.RFC3339, disconnectedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing disconnected_at: %w", err)
			}
			c.DisconnectedAt = &t
		}
		conns = append(conns, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connections: %w", err)
	}
	return conns, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
