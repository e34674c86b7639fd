// Package store defines the storage interface for the gateway and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// Session records. A record existing and unexpired is what keeps a live
	// connection alive through heartbeat sweeps.
	CreateSessionRecord(ctx context.Context, rec *SessionRecord) error
	GetSessionRecord(ctx context.Context, id string) (*SessionRecord, error)
	DeleteSessionRecord(ctx context.Context, id string) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgentByUsername(ctx context.Context, username string) (*Agent, error)
	GetAgentSyncGroups(ctx context.Context, agentID string) ([]string, error)
	SetAgentSyncGroups(ctx context.Context, agentID string, groups []string) error

	// Assets
	ListAssets(ctx context.Context) ([]AssetRecord, error)
	GetAssetMeta(ctx context.Context, key string) (*AssetRecord, error)
	GetAssetData(ctx context.Context, key string) ([]byte, error)

	// DB exposes the underlying pool for callers that manage their own
	// transactions (the query proxy).
	DB() *sql.DB

	// PoolStats reports connection pool counters for the stats endpoint.
	PoolStats() sql.DBStats

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SessionRecord is the durable backing record of a live session.
type SessionRecord struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the record has passed its expiry.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Agent is a durable identity. The gateway only reads agents; they are
// issued by the identity subsystem (or the dev login flow).
type Agent struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AssetRecord is the source-of-truth row for one binary asset.
type AssetRecord struct {
	Key       string    `json:"key"`
	MimeType  string    `json:"mime_type"`
	SyncGroup string    `json:"sync_group"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}
