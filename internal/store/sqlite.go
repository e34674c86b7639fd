package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. It serves development setups
// and unit tests; production deployments use PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
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
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_records_agent_id ON session_records(agent_id)`,
		`CREATE TABLE IF NOT EXISTS agent_sync_groups (
			agent_id TEXT NOT NULL REFERENCES agents(id),
			sync_group TEXT NOT NULL,
			PRIMARY KEY (agent_id, sync_group)
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			key TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			sync_group TEXT NOT NULL DEFAULT 'normal',
			data BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
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

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) PoolStats() sql.DBStats {
	return s.db.Stats()
}

// --- Session records ---

func (s *SQLiteStore) CreateSessionRecord(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_records (id, agent_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) GetSessionRecord(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, expires_at, created_at FROM session_records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.ExpiresAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteSessionRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = ?`, id)
	return err
}

// --- Agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		agent.ID, agent.Username, agent.PasswordHash, agent.CreatedAt)
	return err
}

func (s *SQLiteStore) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM agents WHERE username = ?`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAgentSyncGroups(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_group FROM agent_sync_groups WHERE agent_id = ? ORDER BY sync_group`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetAgentSyncGroups replaces an agent's sync group memberships. Used by
// tests and the dev login flow; production membership is managed by the
// database's own tooling.
func (s *SQLiteStore) SetAgentSyncGroups(ctx context.Context, agentID string, groups []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sync_groups WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_sync_groups (agent_id, sync_group) VALUES (?, ?)`, agentID, g); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Assets ---

// PutAsset inserts or replaces an asset row. Used by tests and dev seeding.
func (s *SQLiteStore) PutAsset(ctx context.Context, rec *AssetRecord, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (key, mime_type, sync_group, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET mime_type=excluded.mime_type, sync_group=excluded.sync_group,
		 data=excluded.data, updated_at=excluded.updated_at`,
		rec.Key, rec.MimeType, rec.SyncGroup, data, rec.UpdatedAt)
	return err
}

// DeleteAsset removes an asset row. Used by tests.
func (s *SQLiteStore) DeleteAsset(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListAssets(ctx context.Context) ([]AssetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, mime_type, sync_group, LENGTH(data), updated_at FROM assets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []AssetRecord
	for rows.Next() {
		var a AssetRecord
		if err := rows.Scan(&a.Key, &a.MimeType, &a.SyncGroup, &a.SizeBytes, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *SQLiteStore) GetAssetMeta(ctx context.Context, key string) (*AssetRecord, error) {
	var a AssetRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT key, mime_type, sync_group, LENGTH(data), updated_at FROM assets WHERE key = ?`, key).
		Scan(&a.Key, &a.MimeType, &a.SyncGroup, &a.SizeBytes, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAssetData(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM assets WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
