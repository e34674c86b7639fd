package store

import (
	"context"
	"database/sql"
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
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS session_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_records_agent_id ON session_records(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_records_expires_at ON session_records(expires_at)`,
		`CREATE TABLE IF NOT EXISTS agent_sync_groups (
			agent_id TEXT NOT NULL REFERENCES agents(id),
			sync_group TEXT NOT NULL,
			PRIMARY KEY (agent_id, sync_group)
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			key TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			sync_group TEXT NOT NULL DEFAULT 'normal',
			data BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_updated_at ON assets(updated_at)`,
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

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) PoolStats() sql.DBStats {
	return s.db.Stats()
}

// --- Session records ---

func (s *PostgresStore) CreateSessionRecord(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_records (id, agent_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.AgentID, rec.ExpiresAt, rec.CreatedAt)
	return err
}

func (s *PostgresStore) GetSessionRecord(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, expires_at, created_at FROM session_records WHERE id = $1`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.ExpiresAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteSessionRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = $1`, id)
	return err
}

// --- Agents ---

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		agent.ID, agent.Username, agent.PasswordHash, agent.CreatedAt)
	return err
}

func (s *PostgresStore) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM agents WHERE username = $1`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgentSyncGroups(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_group FROM agent_sync_groups WHERE agent_id = $1 ORDER BY sync_group`, agentID)
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

// SetAgentSyncGroups replaces an agent's sync group memberships.
func (s *PostgresStore) SetAgentSyncGroups(ctx context.Context, agentID string, groups []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sync_groups WHERE agent_id = $1`, agentID); err != nil {
		return err
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_sync_groups (agent_id, sync_group) VALUES ($1, $2)`, agentID, g); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Assets ---

func (s *PostgresStore) ListAssets(ctx context.Context) ([]AssetRecord, error) {
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

func (s *PostgresStore) GetAssetMeta(ctx context.Context, key string) (*AssetRecord, error) {
	var a AssetRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT key, mime_type, sync_group, LENGTH(data), updated_at FROM assets WHERE key = $1`, key).
		Scan(&a.Key, &a.MimeType, &a.SyncGroup, &a.SizeBytes, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAssetData(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM assets WHERE key = $1`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
