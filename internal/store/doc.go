// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: a registered machine with its owner, bcrypt token hash, status,
//     and the time and address it was last seen
//   - Connection: one session in the connection log, opened on handshake and
//     closed with a reason on teardown
//
// Fleet instance state is deliberately not stored here; it lives in memory
// in package fleet and is rebuilt from agent reports after a restart.
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go) with WAL mode and foreign
// keys enabled. The schema is created on open and migrations are idempotent.
//
//	s, err := store.NewSQLiteStore("~/.local/share/fleet/gateway.db")
//
// MockStore is an in-memory implementation for tests.
//
// # Errors
//
//   - ErrNotFound: the requested agent or open connection does not exist
//   - ErrDuplicateAgent: an agent with the same id is already registered
package store
