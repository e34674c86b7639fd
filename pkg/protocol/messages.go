// Package protocol defines the wire messages exchanged between the world
// gateway and connected clients over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure. Every client-initiated
// message carries a "request_id" that the gateway echoes back on the
// corresponding response so callers can correlate them.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message types. Gateway → client types are pushed on the live connection;
// client → gateway types are read from it.
const (
	TypeSessionInfo = "session.info" // gateway → client, once after upgrade

	TypeQueryRequest  = "query.request"  // client → gateway
	TypeQueryResponse = "query.response" // gateway → client

	TypeReflectPublish  = "reflect.publish"  // client → gateway
	TypeReflectAck      = "reflect.ack"      // gateway → publisher
	TypeReflectDelivery = "reflect.delivery" // gateway → recipients

	TypeGeneralError = "error" // gateway → client, unknown/malformed input
)

// SessionInfo is pushed to a client immediately after a successful upgrade.
type SessionInfo struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// QueryRequest asks the gateway to run a parameterized query under the
// caller's database context.
type QueryRequest struct {
	Query      string `json:"query"`
	Parameters []any  `json:"parameters,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

// QueryResponse carries the rows (or a structured error) for a QueryRequest.
type QueryResponse struct {
	Result []map[string]any `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// ReflectPublish asks the gateway to broadcast a payload to every connected
// session whose agent can read the target sync group.
type ReflectPublish struct {
	SyncGroup string          `json:"sync_group"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ReflectAck is returned to the publisher only. Delivered counts successful
// pushes to authorized recipients; the publisher itself is never counted.
type ReflectAck struct {
	SyncGroup string `json:"sync_group"`
	Channel   string `json:"channel"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// ReflectDelivery is pushed to each authorized recipient of a publish.
// FromSessionID lets recipients attribute the source.
type ReflectDelivery struct {
	SyncGroup     string          `json:"sync_group"`
	Channel       string          `json:"channel"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FromSessionID string          `json:"from_session_id"`
}

// GeneralError answers unknown message types and malformed envelopes.
// The connection stays open.
type GeneralError struct {
	Error string `json:"error"`
}
