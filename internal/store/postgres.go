package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			client_type TEXT NOT NULL,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_user_id ON commands(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_expires_at ON commands(expires_at)`,
		`CREATE TABLE IF NOT EXISTS command_rate (
			user_id TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			connection_id TEXT NOT NULL DEFAULT '',
			command_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Connections ---

func (s *PostgresStore) PutConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, user_id, client_type, connected_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(id) DO UPDATE SET user_id=EXCLUDED.user_id, client_type=EXCLUDED.client_type, connected_at=EXCLUDED.connected_at`,
		conn.ID, conn.UserID, conn.ClientType, conn.ConnectedAt,
	)
	return err
}

func (s *PostgresStore) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	var c Connection
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, client_type, connected_at FROM connections WHERE id = $1", connectionID,
	).Scan(&c.ID, &c.UserID, &c.ClientType, &c.ConnectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE id = $1", connectionID)
	return err
}

func (s *PostgresStore) ListConnectionsByUser(ctx context.Context, userID, clientType string) ([]Connection, error) {
	var rows *sql.Rows
	var err error
	if clientType == "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, user_id, client_type, connected_at FROM connections WHERE user_id = $1 ORDER BY connected_at",
			userID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, user_id, client_type, connected_at FROM connections WHERE user_id = $1 AND client_type = $2 ORDER BY connected_at",
			userID, clientType)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, client_type, connected_at FROM connections ORDER BY connected_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *PostgresStore) DeleteAllConnections(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM connections")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Commands ---

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, user_id, type, payload, status, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cmd.ID, cmd.UserID, cmd.Type, rawString(cmd.Payload), cmd.Status,
		cmd.CreatedAt, cmd.UpdatedAt, cmd.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var c Command
	var payload, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, payload, status, progress_step, progress_total, progress_message,
		        result, error_code, error_message, created_at, updated_at, expires_at
		 FROM commands WHERE id = $1 AND expires_at > $2`, commandID, time.Now(),
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

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, commandID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now(), commandID,
	)
	return err
}

func (s *PostgresStore) SetCommandProgress(ctx context.Context, commandID string, step, total int, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = 'executing', progress_step = $1, progress_total = $2, progress_message = $3, updated_at = $4
		 WHERE id = $5`,
		step, total, message, time.Now(), commandID,
	)
	return err
}

func (s *PostgresStore) SetCommandResult(ctx context.Context, commandID string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = 'completed', result = $1, updated_at = $2 WHERE id = $3",
		rawString(result), time.Now(), commandID,
	)
	return err
}

func (s *PostgresStore) SetCommandError(ctx context.Context, commandID, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = 'failed', error_code = $1, error_message = $2, updated_at = $3 WHERE id = $4",
		code, message, time.Now(), commandID,
	)
	return err
}

func (s *PostgresStore) PurgeExpiredCommands(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM commands WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Command rate window ---

func (s *PostgresStore) IncrCommandCounter(ctx context.Context, userID string, windowStart int64, max int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO command_rate (user_id, window_start, count) VALUES ($1, $2, 1)
		 ON CONFLICT(user_id, window_start) DO UPDATE SET count = command_rate.count + 1
		 WHERE command_rate.count < $3
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

func (s *PostgresStore) PurgeRateCounters(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM command_rate WHERE window_start < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, connection_id, command_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Action, event.UserID, event.ConnectionID, event.CommandID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, connection_id, command_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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
