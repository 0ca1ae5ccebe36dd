package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			client_type TEXT NOT NULL,
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_user_type ON connections(user_id, client_type)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			progress_step INTEGER NOT NULL DEFAULT 0,
			progress_total INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_user_id ON commands(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_expires_at ON commands(expires_at)`,
		`CREATE TABLE IF NOT EXISTS command_rate (
			user_id TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			connection_id TEXT NOT NULL DEFAULT '',
			command_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Connections ---

func (s *SQLiteStore) PutConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, user_id, client_type, connected_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, client_type=excluded.client_type, connected_at=excluded.connected_at`,
		conn.ID, conn.UserID, conn.ClientType, conn.ConnectedAt,
	)
	return err
}

func (s *SQLiteStore) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	var c Connection
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, client_type, connected_at FROM connections WHERE id = ?", connectionID,
	).Scan(&c.ID, &c.UserID, &c.ClientType, &c.ConnectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", connectionID)
	return err
}

func (s *SQLiteStore) ListConnectionsByUser(ctx context.Context, userID, clientType string) ([]Connection, error) {
	var rows *sql.Rows
	var err error
	if clientType == "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, user_id, client_type, connected_at FROM connections WHERE user_id = ? ORDER BY connected_at",
			userID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, user_id, client_type, connected_at FROM connections WHERE user_id = ? AND client_type = ? ORDER BY connected_at",
			userID, clientType)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *SQLiteStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, client_type, connected_at FROM connections ORDER BY connected_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]Connection, error) {
	var conns []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.UserID, &c.ClientType, &c.ConnectedAt); err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *SQLiteStore) DeleteAllConnections(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM connections")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Commands ---

func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, user_id, type, payload, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.UserID, cmd.Type, rawString(cmd.Payload), cmd.Status,
		cmd.CreatedAt, cmd.UpdatedAt, cmd.ExpiresAt,
	)
	return err
}

func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var c Command
	var payload, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, payload, status, progress_step, progress_total, progress_message,
		        result, error_code, error_message, created_at, updated_at, expires_at
		 FROM commands WHERE id = ? AND expires_at > ?`, commandID, time.Now(),
	).Scan(&c.ID, &c.UserID, &c.Type, &payload, &c.Status, &c.ProgressStep, &c.ProgressTotal,
		&c.ProgressMessage, &result, &c.ErrorCode, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	if result != "" {
		c.Result = json.RawMessage(result)
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateCommandStatus(ctx context.Context, commandID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), commandID,
	)
	return err
}

func (s *SQLiteStore) SetCommandProgress(ctx context.Context, commandID string, step, total int, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, progress_step = ?, progress_total = ?, progress_message = ?, updated_at = ?
		 WHERE id = ?`,
		"executing", step, total, message, time.Now(), commandID,
	)
	return err
}

func (s *SQLiteStore) SetCommandResult(ctx context.Context, commandID string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = ?, result = ?, updated_at = ? WHERE id = ?",
		"completed", rawString(result), time.Now(), commandID,
	)
	return err
}

func (s *SQLiteStore) SetCommandError(ctx context.Context, commandID, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?",
		"failed", code, message, time.Now(), commandID,
	)
	return err
}

func (s *SQLiteStore) PurgeExpiredCommands(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM commands WHERE expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Command rate window ---

func (s *SQLiteStore) IncrCommandCounter(ctx context.Context, userID string, windowStart int64, max int) (bool, error) {
	// The WHERE clause on the upsert keeps the counter from passing max: when
	// the ceiling is hit no row is updated and RETURNING yields no rows.
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO command_rate (user_id, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT(user_id, window_start) DO UPDATE SET count = count + 1
		 WHERE command_rate.count < ?
		 RETURNING count`,
		userID, windowStart, max,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return count <= max, nil
}

func (s *SQLiteStore) PurgeRateCounters(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM command_rate WHERE window_start < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, connection_id, command_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.UserID, event.ConnectionID, event.CommandID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, connection_id, command_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.ConnectionID, &e.CommandID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func rawString(r json.RawMessage) string {
	if r == nil {
		return ""
	}
	return string(r)
}
