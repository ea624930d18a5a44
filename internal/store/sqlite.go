// ABOUTME: SQLite implementation of the Store interface using database/sql
// ABOUTME: Provides agent/thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-chatcache/internal/chat"
)

// Driver names accepted by OpenSQLite.
const (
	DriverModernc = "sqlite"  // pure Go, always available
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires a cgo build
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a SQLite store with an explicit database/sql driver name.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, sqliteDSN(driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each :memory: connection is its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		driver: driver,
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

// sqliteDSN adds per-connection pragmas using each driver's DSN syntax.
func sqliteDSN(driver, path string) string {
	switch driver {
	case DriverCGO:
		return path + "?_busy_timeout=5000&_foreign_keys=on"
	default:
		return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			instruction TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			user_id       TEXT NOT NULL DEFAULT '',
			title         TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			thread_id     TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			items_json    TEXT,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id),
			UNIQUE (thread_id, seq),
			CHECK (role IN ('user', 'assistant', 'system'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "model",
			apply:  `ALTER TABLE agents ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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

// timeFormat is fixed width so text ordering matches chronological ordering
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// marshalJSON returns nil for empty values so the column stays NULL
func marshalJSON[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateAgent inserts a new agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, instruction, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.Name,
		agent.Instruction,
		agent.Model,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, instruction, model, created_at, updated_at
		FROM agents
		WHERE id = ?
	`, id)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, instruction, model, created_at, updated_at
		FROM agents
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var createdAt, updatedAt string
	if err := row.Scan(&agent.ID, &agent.Name, &agent.Instruction, &agent.Model, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if agent.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if agent.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &agent, nil
}

// CreateThread creates a new thread for an existing agent.
// Returns ErrAgentNotFound if the agent doesn't exist and ErrDuplicateThread
// if a thread with the same ID already exists.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}

	metadata, err := marshalMetadata(thread.Metadata)
	if err != nil {
		return fmt.Errorf("encoding thread metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, agent_id, user_id, title, metadata_json, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM agents WHERE id = ?)
	`,
		thread.ID,
		thread.AgentID,
		thread.UserID,
		thread.Title,
		metadata,
		formatTime(thread.CreatedAt),
		formatTime(thread.UpdatedAt),
		thread.AgentID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}

	s.logger.Debug("created thread", "id", thread.ID, "agent_id", thread.AgentID)
	return nil
}

const threadColumns = `id, agent_id, user_id, title, metadata_json, created_at, updated_at`

func scanThread(row scanner) (*Thread, error) {
	var thread Thread
	var metadata sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&thread.ID, &thread.AgentID, &thread.UserID, &thread.Title, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &thread.Metadata); err != nil {
			return nil, fmt.Errorf("decoding thread metadata: %w", err)
		}
	}
	var err error
	if thread.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if thread.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &thread, nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// ThreadExists reports whether a thread with the given ID is stored.
func (s *SQLiteStore) ThreadExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking thread: %w", err)
	}
	return true, nil
}

// ListThreads retrieves threads ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		ORDER BY updated_at DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	return collectThreads(rows)
}

// ListThreadsByUser retrieves one user's threads ordered by most recent activity.
func (s *SQLiteStore) ListThreadsByUser(ctx context.Context, userID string, limit int) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying threads by user: %w", err)
	}
	return collectThreads(rows)
}

func collectThreads(rows *sql.Rows) ([]*Thread, error) {
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return threads, nil
}

// TouchThread bumps a thread's updated_at.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating thread: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PersistMessage appends a message to its thread. The sequence number is
// computed in the same statement as the insert so concurrent writers cannot
// reuse a slot. Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	items, err := marshalJSON(msg.Items)
	if err != nil {
		return fmt.Errorf("encoding message items: %w", err)
	}
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, role, content, items_json, metadata_json, created_at)
		SELECT ?, ?, COALESCE((SELECT MAX(seq) FROM messages WHERE thread_id = ?), 0) + 1, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM threads WHERE id = ?)
		RETURNING seq
	`,
		msg.ID,
		msg.ThreadID,
		msg.ThreadID,
		string(msg.Role),
		msg.Content,
		items,
		metadata,
		formatTime(msg.CreatedAt),
		msg.ThreadID,
	).Scan(&msg.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("persisted message", "id", msg.ID, "thread_id", msg.ThreadID, "seq", msg.Seq, "role", msg.Role)
	return nil
}

// ListMessages returns every message of a thread ordered by sequence number.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, role, content, items_json, metadata_json, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAt string
		var items, metadata sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Seq, &role, &msg.Content, &items, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = chat.Role(role)

		if items.Valid && items.String != "" {
			if err := json.Unmarshal([]byte(items.String), &msg.Items); err != nil {
				return nil, fmt.Errorf("decoding message items: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}
		if msg.CreatedAt, err = parseTime("message created_at", createdAt); err != nil {
			return nil, err
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of persisted messages in a thread.
func (s *SQLiteStore) CountMessages(ctx context.Context, threadID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

var _ Store = (*SQLiteStore)(nil)
