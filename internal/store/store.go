// Package store defines the persistence interface for the relay and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the relay.
type Store interface {
	// Connections
	PutConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, connectionID string) (*Connection, error)
	DeleteConnection(ctx context.Context, connectionID string) error
	// ListConnectionsByUser returns a user's connections, optionally filtered
	// by client type. An empty clientType matches all types.
	ListConnectionsByUser(ctx context.Context, userID, clientType string) ([]Connection, error)
	ListConnections(ctx context.Context) ([]Connection, error)
	DeleteAllConnections(ctx context.Context) (int64, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	// GetCommand returns nil for unknown ids and for records past their expiry.
	GetCommand(ctx context.Context, commandID string) (*Command, error)
	UpdateCommandStatus(ctx context.Context, commandID, status string) error
	SetCommandProgress(ctx context.Context, commandID string, step, total int, message string) error
	SetCommandResult(ctx context.Context, commandID string, result json.RawMessage) error
	SetCommandError(ctx context.Context, commandID, code, message string) error
	PurgeExpiredCommands(ctx context.Context, now time.Time) (int64, error)

	// Command rate window. IncrCommandCounter atomically increments the
	// per-user counter for the given window and reports whether the increment
	// stayed within max. The counter is never incremented past max.
	IncrCommandCounter(ctx context.Context, userID string, windowStart int64, max int) (bool, error)
	PurgeRateCounters(ctx context.Context, before int64) (int64, error)

	// Users (builtin auth)
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Connection is one active WebSocket session.
type Connection struct {
	ID          string    `json:"connectionId"`
	UserID      string    `json:"userId"`
	ClientType  string    `json:"clientType"` // "browser" or "agent"
	ConnectedAt time.Time `json:"connectedAt"`
}

// Command is one dispatched unit of work. UserID is the authorization anchor:
// every mutation on behalf of a connection must verify the connection's user
// matches it.
type Command struct {
	ID              string          `json:"commandId"`
	UserID          string          `json:"userId"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          string          `json:"status"`
	ProgressStep    int             `json:"progressStep,omitempty"`
	ProgressTotal   int             `json:"progressTotal,omitempty"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// User is a relay user for the builtin auth provider.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	UserID       string          `json:"userId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}
