// Package query executes client-submitted parameterized queries inside a
// transaction pinned to the requesting agent's database context.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout marks a query aborted by its deadline. The transaction is
// rolled back before this is returned.
var ErrTimeout = errors.New("query timed out")

// Proxy runs ad-hoc queries under per-agent security context. Row
// visibility is enforced by the database's own role-based policies; the
// proxy's sole job is leak-free context propagation per call.
type Proxy struct {
	db             *sql.DB
	contextStmt    string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates a Proxy. contextStmt is executed first in every transaction
// with the agent ID as its single parameter; set_config with is_local=true
// scopes it to the transaction, so concurrent calls on other pooled
// connections never see each other's identity.
func New(db *sql.DB, contextStmt string, defaultTimeout time.Duration, logger *slog.Logger) *Proxy {
	return &Proxy{
		db:             db,
		contextStmt:    contextStmt,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "query"),
	}
}

// Execute runs one parameterized query as agentID. The whole call is
// bounded by timeout (the proxy default when zero); on any failure the
// transaction rolls back and nothing is left open.
func (p *Proxy) Execute(ctx context.Context, agentID, queryText string, params []any, timeout time.Duration) ([]map[string]any, error) {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, p.wrap("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, p.contextStmt, agentID); err != nil {
		return nil, p.wrap("set agent context", err)
	}

	rows, err := tx.QueryContext(ctx, queryText, params...)
	if err != nil {
		return nil, p.wrap("query", err)
	}
	result, err := collectRows(rows)
	if err != nil {
		return nil, p.wrap("scan", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, p.wrap("commit", err)
	}
	return result, nil
}

func (p *Proxy) wrap(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	p.logger.Warn("proxied query failed", "stage", stage, "error", err)
	return fmt.Errorf("%s: %w", stage, err)
}

// ClientMessage converts a proxy error into the short, stable string sent
// across the wire. Internal error text never leaves the process.
func ClientMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTimeout) {
		return "Query timed out"
	}
	return "Query failed"
}

func collectRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			// Drivers hand back []byte for text-ish columns; strings
			// serialize cleanly, raw bytes do not.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
