package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Handle is a pooled connection to one tenant database. Handles are owned by
// the ConnectionManager that created them; callers borrow them and must not
// close them. A handle whose pool was torn down returns errors from every call.
type Handle struct {
	url  string
	pool *pgxpool.Pool
}

func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.pool.Exec(ctx, sql, args...)
}

func (h *Handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.pool.Query(ctx, sql, args...)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.pool.QueryRow(ctx, sql, args...)
}

func (h *Handle) Begin(ctx context.Context) (pgx.Tx, error) {
	return h.pool.Begin(ctx)
}

func (h *Handle) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

// Database returns the name of the database this handle points at.
func (h *Handle) Database() string {
	return h.pool.Config().ConnConfig.Database
}

// Stat returns the pool statistics for this handle.
func (h *Handle) Stat() *pgxpool.Stat {
	return h.pool.Stat()
}
