// Package protocol defines the wire messages exchanged between the relay,
// browser clients, and desktop agents over WebSocket.
//
// All messages are flat JSON objects with an "action" field that determines
// the remaining structure. Field names are camelCase to match the browser
// extension and agent implementations.
package protocol

import "encoding/json"

// Client types accepted on connect.
const (
	ClientTypeBrowser = "browser"
	ClientTypeAgent   = "agent"
)

// ValidClientType reports whether t names a known client type.
func ValidClientType(t string) bool {
	return t == ClientTypeBrowser || t == ClientTypeAgent
}

// Command statuses.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusExecuting  = "executing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TerminalStatus reports whether s is a terminal command status.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// --- Agent → relay actions ---

const (
	ActionHeartbeat = "heartbeat"
	ActionProgress  = "progress"
	ActionResult    = "result"
	ActionError     = "error"
)

// AgentEvent is the inbound message shape on the agent channel. CommandID is
// required for every action except heartbeat.
type AgentEvent struct {
	Action    string          `json:"action"`
	CommandID string          `json:"commandId,omitempty"`
	Ts        json.Number     `json:"ts,omitempty"`
	Step      int             `json:"step,omitempty"`
	Total     int             `json:"total,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// --- Relay → agent ---

const ActionExecute = "execute"

// Execute carries a dispatched command to the agent.
type Execute struct {
	Action    string          `json:"action"`
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// --- Relay → browser ---

const (
	ActionCommandQueued   = "command_queued"
	ActionCommandProgress = "command_progress"
	ActionCommandResult   = "command_result"
	ActionCommandError    = "command_error"
)

// CommandQueued tells the browser a command was accepted and pushed.
type CommandQueued struct {
	Action    string `json:"action"`
	CommandID string `json:"commandId"`
}

// CommandProgress forwards agent progress to the browser.
type CommandProgress struct {
	Action    string `json:"action"`
	CommandID string `json:"commandId"`
	Step      int    `json:"step"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}

// CommandResult forwards a completed command's result to the browser.
type CommandResult struct {
	Action    string          `json:"action"`
	CommandID string          `json:"commandId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommandError forwards a failed command's error to the browser.
type CommandError struct {
	Action    string `json:"action"`
	CommandID string `json:"commandId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// HeartbeatEcho is sent back to the connection that sent a heartbeat.
type HeartbeatEcho struct {
	Action string      `json:"action"`
	Echo   bool        `json:"echo"`
	Ts     json.Number `json:"ts,omitempty"`
}

// ErrorAck is a benign error body sent to the offending connection. It never
// closes the channel; a transport-level failure would tear down an otherwise
// healthy connection.
type ErrorAck struct {
	Error string `json:"error"`
}
