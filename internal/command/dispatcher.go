// Package command creates commands and dispatches them to connected agents.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/reachly/relay/internal/config"
	"github.com/reachly/relay/internal/relay"
	"github.com/reachly/relay/internal/store"
	"github.com/reachly/relay/pkg/protocol"
)

var (
	// ErrNoAgent means the user has no agent connection to dispatch to.
	ErrNoAgent = errors.New("no agent connected")
	// ErrAgentGone means the agent dropped between lookup and delivery.
	// The command exists and has already been marked failed.
	ErrAgentGone = errors.New("agent disconnected")
	// ErrRateLimited means the user exceeded the per-window command budget.
	ErrRateLimited = errors.New("rate limited")
)

// Gateway delivers payloads to live connections. Satisfied by *relay.Relay.
type Gateway interface {
	Send(ctx context.Context, connectionID string, payload any) error
	BroadcastToUser(ctx context.Context, userID, clientType string, payload any)
}

// RateLimiter bounds command creation per user.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// storeRateLimiter counts commands per fixed window in the store, so the
// budget holds across restarts.
type storeRateLimiter struct {
	store  store.Store
	max    int
	window time.Duration
}

// NewStoreRateLimiter creates a RateLimiter backed by the store.
func NewStoreRateLimiter(s store.Store, max int, window time.Duration) RateLimiter {
	return &storeRateLimiter{store: s, max: max, window: window}
}

func (l *storeRateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	windowStart := time.Now().Truncate(l.window).Unix()
	return l.store.IncrCommandCounter(ctx, userID, windowStart, l.max)
}

// CreateRequest is a request to create and dispatch a command.
type CreateRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher owns the command lifecycle from creation to delivery.
type Dispatcher struct {
	store   store.Store
	gateway Gateway
	limiter RateLimiter
	logger  *slog.Logger
	ttl     time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, gw Gateway, cfg config.CommandsConfig, ttl time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   s,
		gateway: gw,
		limiter: NewStoreRateLimiter(s, cfg.RateLimitMax, cfg.RateLimitWindow.Duration),
		logger:  logger.With("component", "dispatcher"),
		ttl:     ttl,
	}
}

// Create persists a new command and pushes it to the user's agent.
//
// The rate limiter fails open: a storage error on the counter must not take
// command dispatch down with it, so the check is skipped and logged.
//
// When ErrAgentGone is returned the command has been created and marked
// failed; callers can read its ID from the returned command.
func (d *Dispatcher) Create(ctx context.Context, userID string, req CreateRequest) (*store.Command, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("command type is required")
	}

	allowed, err := d.limiter.Allow(ctx, userID)
	if err != nil {
		d.logger.Warn("rate limit check failed, allowing", "user_id", userID, "error", err)
	} else if !allowed {
		return nil, ErrRateLimited
	}

	agents, err := d.store.ListConnectionsByUser(ctx, userID, protocol.ClientTypeAgent)
	if err != nil {
		return nil, fmt.Errorf("list agent connections: %w", err)
	}
	if len(agents) == 0 {
		return nil, ErrNoAgent
	}
	agent := agents[0]

	now := time.Now()
	cmd := &store.Command{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    protocol.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(d.ttl),
	}
	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}

	err = d.gateway.Send(ctx, agent.ID, protocol.Execute{
		Action:    protocol.ActionExecute,
		CommandID: cmd.ID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
	})
	if err != nil {
		if errors.Is(err, relay.ErrGone) {
			// The agent dropped after we found its record. The command is
			// terminal immediately: nothing will ever execute it.
			if serr := d.store.SetCommandError(ctx, cmd.ID, "AGENT_DISCONNECTED", "Agent disconnected"); serr != nil {
				d.logger.Error("failed to mark command failed", "command_id", cmd.ID, "error", serr)
			}
			cmd.Status = protocol.StatusFailed
			d.logger.Warn("agent gone during dispatch", "command_id", cmd.ID, "conn_id", agent.ID)
			return cmd, ErrAgentGone
		}
		return nil, fmt.Errorf("send to agent: %w", err)
	}

	if err := d.store.UpdateCommandStatus(ctx, cmd.ID, protocol.StatusDispatched); err != nil {
		d.logger.Error("failed to mark command dispatched", "command_id", cmd.ID, "error", err)
	}
	cmd.Status = protocol.StatusDispatched

	d.logger.Info("command dispatched", "command_id", cmd.ID, "type", cmd.Type, "user_id", userID)
	d.audit(ctx, userID, agent.ID, cmd.ID)

	// Browsers learn about the queued command out of band; delivery here is
	// best effort and a miss is recovered by status polling.
	d.gateway.BroadcastToUser(ctx, userID, protocol.ClientTypeBrowser, protocol.CommandQueued{
		Action:    protocol.ActionCommandQueued,
		CommandID: cmd.ID,
	})

	return cmd, nil
}

// GetStatus returns the user's command. A command owned by someone else is
// reported the same way as a missing one.
func (d *Dispatcher) GetStatus(ctx context.Context, userID, commandID string) (*store.Command, error) {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if cmd == nil || cmd.UserID != userID {
		return nil, nil
	}
	return cmd, nil
}

func (d *Dispatcher) audit(ctx context.Context, userID, connID, commandID string) {
	err := d.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:           uuid.New().String(),
		Action:       "command_dispatched",
		UserID:       userID,
		ConnectionID: connID,
		CommandID:    commandID,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		d.logger.Warn("failed to log audit event", "action", "command_dispatched", "error", err)
	}
}
