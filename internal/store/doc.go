// Package store provides durable persistence for agents, conversation threads
// and their messages.
//
// # Architecture
//
// The conversation cache consumes three narrow interfaces:
//
//   - AgentRepository: agent personas and their system instructions
//   - ThreadRepository: conversation threads (a thread ID is the ConversationID)
//   - MessageRepository: the ordered message sequence of each thread
//
// Store bundles all three with Close. Three implementations exist:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite") or
//     mattn/go-sqlite3 ("sqlite3")
//   - BoltStore: single-file go.etcd.io/bbolt database ("bolt")
//   - MockStore: in-memory, with failure injection for tests
//
// Open selects an implementation by driver name.
//
// # Ordering
//
// PersistMessage assigns a per-thread sequence number. ListMessages always
// returns messages in ascending sequence order, which is the order in which
// they were appended. The cache rebuilds conversations from this order.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC text. Items and metadata are stored
// as JSON text columns.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateThread / ErrDuplicateAgent: ID already taken
//   - ErrAgentNotFound: CreateThread referenced an unknown agent
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	store.SetFailPersist(errors.New("disk full"))
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Migrations
//
// Schema creation and column migrations run automatically on open and are
// idempotent.
package store
