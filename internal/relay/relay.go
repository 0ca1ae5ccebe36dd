// Package relay manages WebSocket connections from browser clients and
// desktop agents, and routes command traffic between them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/reachly/relay/internal/auth"
	"github.com/reachly/relay/internal/store"
	"github.com/reachly/relay/pkg/protocol"
)

// ErrGone reports that a connection is no longer reachable. Callers treat it
// as a signal that the peer dropped, not as an internal fault.
var ErrGone = errors.New("connection gone")

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

type wsConn struct {
	id         string
	userID     string
	username   string
	clientType string
	conn       *websocket.Conn
	mu         sync.Mutex
}

// eventHandler processes one inbound message on an established connection.
type eventHandler func(ctx context.Context, c *wsConn, ev protocol.AgentEvent)

// Relay manages all WebSocket connections and event routing.
type Relay struct {
	store        store.Store
	authProvider auth.Provider
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	maxMsgBytes  int64
	handlers     map[string]eventHandler

	mu    sync.RWMutex
	conns map[string]*wsConn // connection_id -> conn
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins []string // for WebSocket origin check
	MaxMsgBytes    int64    // max WebSocket message size (default 128KB)
}

// New creates a new Relay. The action dispatch table is built once here;
// handlers registered later would never be seen by running read loops.
func New(s store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Relay {
	msgLimit := opts.MaxMsgBytes
	if msgLimit == 0 {
		msgLimit = 128 * 1024 // 128KB default
	}

	r := &Relay{
		store:        s,
		authProvider: ap,
		logger:       logger.With("component", "relay"),
		upgrader:     makeUpgrader(opts.AllowedOrigins),
		maxMsgBytes:  msgLimit,
		conns:        make(map[string]*wsConn),
	}
	r.handlers = map[string]eventHandler{
		protocol.ActionHeartbeat: r.handleHeartbeat,
		protocol.ActionProgress:  r.handleProgress,
		protocol.ActionResult:    r.handleResult,
		protocol.ActionError:     r.handleError,
	}
	return r
}

// HandleWS handles WebSocket connections from both client types. The caller
// identifies itself with ?clientType=browser|agent and authenticates with
// ?token= (browsers cannot set headers during the WebSocket handshake) or an
// Authorization header.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	clientType := req.URL.Query().Get("clientType")
	if !protocol.ValidClientType(clientType) {
		http.Error(w, "invalid clientType", http.StatusBadRequest)
		return
	}

	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := r.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(r.maxMsgBytes)

	connID := uuid.New().String()
	c := &wsConn{
		id:         connID,
		userID:     identity.UserID,
		username:   identity.Username,
		clientType: clientType,
		conn:       conn,
	}

	ctx := context.Background()

	// A user gets one live connection per client type. Evicting incumbents
	// is best effort: a failed eviction must not block the new connection.
	r.evictIncumbents(ctx, identity.UserID, clientType, connID)

	r.mu.Lock()
	r.conns[connID] = c
	r.mu.Unlock()

	if err := r.store.PutConnection(ctx, &store.Connection{
		ID:          connID,
		UserID:      identity.UserID,
		ClientType:  clientType,
		ConnectedAt: time.Now(),
	}); err != nil {
		r.logger.Error("failed to register connection", "conn_id", connID, "error", err)
		r.mu.Lock()
		delete(r.conns, connID)
		r.mu.Unlock()
		return
	}

	r.logger.Info("client connected", "user", identity.Username, "client_type", clientType, "conn_id", connID)
	r.audit(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: "client_connected",
		UserID: identity.UserID, ConnectionID: connID,
		Detail: detailJSON(map[string]string{"clientType": clientType}), CreatedAt: time.Now(),
	})

	defer func() {
		r.mu.Lock()
		delete(r.conns, connID)
		r.mu.Unlock()
		if err := r.store.DeleteConnection(ctx, connID); err != nil {
			r.logger.Warn("failed to delete connection record", "conn_id", connID, "error", err)
		}
		r.audit(ctx, &store.AuditEvent{
			ID: uuid.New().String(), Action: "client_disconnected",
			UserID: identity.UserID, ConnectionID: connID, CreatedAt: time.Now(),
		})
		r.logger.Info("client disconnected", "user", identity.Username, "conn_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("read error", "conn_id", connID, "error", err)
			return
		}

		var ev protocol.AgentEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			r.logger.Warn("invalid message", "conn_id", connID, "error", err)
			r.sendToConn(c, protocol.ErrorAck{Error: "Invalid message"})
			continue
		}

		handler, ok := r.handlers[ev.Action]
		if !ok {
			// Unknown actions get a benign error body. Closing the channel
			// over a bad message would tear down a healthy connection.
			r.sendToConn(c, protocol.ErrorAck{Error: fmt.Sprintf("Unknown action: %s", ev.Action)})
			continue
		}
		handler(ctx, c, ev)
	}
}

// evictIncumbents force-disconnects existing connections of the same client
// type for the user, keeping the registry at one connection per (user, type).
func (r *Relay) evictIncumbents(ctx context.Context, userID, clientType, newConnID string) {
	incumbents, err := r.store.ListConnectionsByUser(ctx, userID, clientType)
	if err != nil {
		r.logger.Warn("failed to list incumbent connections", "user_id", userID, "error", err)
		return
	}
	for _, inc := range incumbents {
		if inc.ID == newConnID {
			continue
		}
		if err := r.ForceDisconnect(ctx, inc.ID); err != nil {
			r.logger.Warn("failed to evict connection", "conn_id", inc.ID, "error", err)
			continue
		}
		r.logger.Info("evicted stale connection", "user_id", userID, "client_type", clientType, "conn_id", inc.ID)
		r.audit(ctx, &store.AuditEvent{
			ID: uuid.New().String(), Action: "connection_evicted",
			UserID: userID, ConnectionID: inc.ID,
			Detail: detailJSON(map[string]string{"clientType": clientType}), CreatedAt: time.Now(),
		})
	}
}

// Send delivers payload to the given connection. If the connection is gone
// its registry record is removed and ErrGone is returned, so callers can
// react to the peer disappearing without treating it as an internal fault.
func (r *Relay) Send(ctx context.Context, connectionID string, payload any) error {
	r.mu.RLock()
	c, ok := r.conns[connectionID]
	r.mu.RUnlock()

	if !ok {
		if err := r.store.DeleteConnection(ctx, connectionID); err != nil {
			r.logger.Warn("failed to delete stale connection record", "conn_id", connectionID, "error", err)
		}
		return ErrGone
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if writeErr != nil {
		// The read loop will clean up the live map and registry record on
		// its way out. For the caller the peer is simply gone.
		_ = c.conn.Close()
		return ErrGone
	}
	return nil
}

// ForceDisconnect closes the given connection and removes its registry
// record. A connection that is already gone counts as success.
func (r *Relay) ForceDisconnect(ctx context.Context, connectionID string) error {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()

	if ok {
		_ = c.conn.Close()
	}
	return r.store.DeleteConnection(ctx, connectionID)
}

// BroadcastToUser delivers payload to every live connection of the given
// client type for the user. Delivery is best effort.
func (r *Relay) BroadcastToUser(ctx context.Context, userID, clientType string, payload any) {
	r.mu.RLock()
	targets := make([]*wsConn, 0, 2)
	for _, c := range r.conns {
		if c.userID == userID && c.clientType == clientType {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := r.Send(ctx, c.id, payload); err != nil {
			r.logger.Debug("broadcast delivery failed", "conn_id", c.id, "error", err)
		}
	}
}

// --- Inbound event handlers ---

func (r *Relay) handleHeartbeat(ctx context.Context, c *wsConn, ev protocol.AgentEvent) {
	r.sendToConn(c, protocol.HeartbeatEcho{
		Action: protocol.ActionHeartbeat,
		Echo:   true,
		Ts:     ev.Ts,
	})
}

func (r *Relay) handleProgress(ctx context.Context, c *wsConn, ev protocol.AgentEvent) {
	cmd, ok := r.authorizeEvent(ctx, c, ev)
	if !ok {
		return
	}

	if err := r.store.SetCommandProgress(ctx, cmd.ID, ev.Step, ev.Total, ev.Message); err != nil {
		r.logger.Error("failed to record progress", "command_id", cmd.ID, "error", err)
		return
	}

	r.BroadcastToUser(ctx, c.userID, protocol.ClientTypeBrowser, protocol.CommandProgress{
		Action:    protocol.ActionCommandProgress,
		CommandID: cmd.ID,
		Step:      ev.Step,
		Total:     ev.Total,
		Message:   ev.Message,
	})
}

func (r *Relay) handleResult(ctx context.Context, c *wsConn, ev protocol.AgentEvent) {
	cmd, ok := r.authorizeEvent(ctx, c, ev)
	if !ok {
		return
	}

	if err := r.store.SetCommandResult(ctx, cmd.ID, ev.Data); err != nil {
		r.logger.Error("failed to record result", "command_id", cmd.ID, "error", err)
		return
	}

	r.logger.Info("command completed", "command_id", cmd.ID, "user_id", c.userID)
	r.BroadcastToUser(ctx, c.userID, protocol.ClientTypeBrowser, protocol.CommandResult{
		Action:    protocol.ActionCommandResult,
		CommandID: cmd.ID,
		Data:      ev.Data,
	})
}

func (r *Relay) handleError(ctx context.Context, c *wsConn, ev protocol.AgentEvent) {
	cmd, ok := r.authorizeEvent(ctx, c, ev)
	if !ok {
		return
	}

	code := ev.Code
	if code == "" {
		code = "AGENT_ERROR"
	}

	if err := r.store.SetCommandError(ctx, cmd.ID, code, ev.Message); err != nil {
		r.logger.Error("failed to record command error", "command_id", cmd.ID, "error", err)
		return
	}

	r.logger.Info("command failed", "command_id", cmd.ID, "code", code, "user_id", c.userID)
	r.BroadcastToUser(ctx, c.userID, protocol.ClientTypeBrowser, protocol.CommandError{
		Action:    protocol.ActionCommandError,
		CommandID: cmd.ID,
		Code:      code,
		Message:   ev.Message,
	})
}

// authorizeEvent runs the shared validation for command-bearing events. On
// failure the sender gets a benign error body and no state changes.
func (r *Relay) authorizeEvent(ctx context.Context, c *wsConn, ev protocol.AgentEvent) (*store.Command, bool) {
	reg, err := r.store.GetConnection(ctx, c.id)
	if err != nil {
		r.logger.Error("failed to load connection record", "conn_id", c.id, "error", err)
		r.sendToConn(c, protocol.ErrorAck{Error: "Internal error"})
		return nil, false
	}
	if reg == nil {
		r.sendToConn(c, protocol.ErrorAck{Error: "Connection not found"})
		return nil, false
	}

	cmd, err := r.store.GetCommand(ctx, ev.CommandID)
	if err != nil {
		r.logger.Error("failed to load command", "command_id", ev.CommandID, "error", err)
		r.sendToConn(c, protocol.ErrorAck{Error: "Internal error"})
		return nil, false
	}
	if cmd == nil {
		r.sendToConn(c, protocol.ErrorAck{Error: "Command not found"})
		return nil, false
	}
	if cmd.UserID != reg.UserID {
		r.logger.Warn("event for command owned by another user",
			"command_id", cmd.ID, "conn_user", reg.UserID, "command_user", cmd.UserID)
		r.sendToConn(c, protocol.ErrorAck{Error: "Not authorized"})
		return nil, false
	}
	return cmd, true
}

func (r *Relay) sendToConn(c *wsConn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logger.Debug("write failed", "conn_id", c.id, "error", err)
	}
}

func (r *Relay) audit(ctx context.Context, event *store.AuditEvent) {
	if err := r.store.LogAuditEvent(ctx, event); err != nil {
		r.logger.Warn("failed to log audit event", "action", event.Action, "error", err)
	}
}

func detailJSON(m map[string]string) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
