package idempotency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresTable holds replayable responses when no table is configured.
const DefaultPostgresTable = "pledge_idempotency_keys"

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStore persists records in a PostgreSQL table keyed by
// (principal, client key). Rows past expires_at are invisible to Get and are
// removed by DeleteExpired.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// PostgresTable parses "table" or "schema.table" into a quoted identifier.
func PostgresTable(name string) (string, error) {
	if name == "" {
		name = DefaultPostgresTable
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("table %q: at most one schema qualifier", name)
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return "", fmt.Errorf("table %q: %q is not a plain identifier", name, p)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

// splitScopedKey undoes ScopedKey. Keys written without a principal land in
// the empty scope.
func splitScopedKey(scoped string) (principal, key string) {
	if i := strings.IndexByte(scoped, ':'); i >= 0 {
		return scoped[:i], scoped[i+1:]
	}
	return "", scoped
}

func createTableSQL(table string) string {
	idx := pgx.Identifier{strings.ReplaceAll(strings.Trim(table, `"`), `"."`, "_") + "_expires_idx"}.Sanitize()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    principal   TEXT NOT NULL,
    client_key  TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (principal, client_key)
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at);
`, table, idx)
}

// NewPostgresStore connects to Postgres using the DSN and ensures the table
// exists. An empty table selects DefaultPostgresTable.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	qualified, err := PostgresTable(table)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL(qualified)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create %s: %w", qualified, err)
	}

	return &PostgresStore{pool: pool, table: qualified, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	principal, clientKey := splitScopedKey(key)
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT fingerprint, status_code, response, created_at, expires_at
FROM %s
WHERE principal = $1 AND client_key = $2 AND expires_at > $3
`, p.table), principal, clientKey, p.now())

	var rec Record
	if err := row.Scan(&rec.Fingerprint, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	principal, clientKey := splitScopedKey(key)
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (principal, client_key, fingerprint, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (principal, client_key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, p.table), principal, clientKey, record.Fingerprint, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

// DeleteExpired removes rows whose window has closed and reports how many
// went.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, p.table), p.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
