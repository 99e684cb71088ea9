package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps records in the api_idempotency table. The first save for
// a key wins; later saves for the same live key are ignored.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS api_idempotency (
    scope_key   TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS api_idempotency_expires_at ON api_idempotency (expires_at);
CREATE TABLE IF NOT EXISTS api_idempotency_claims (
    scope_key  TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT fingerprint, status_code, response, created_at, expires_at
FROM api_idempotency
WHERE scope_key = @key AND expires_at > now()`,
		pgx.NamedArgs{"key": key},
	).Scan(&rec.Fingerprint, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save inserts the record, replacing a row only when the stored one expired.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO api_idempotency (scope_key, fingerprint, status_code, response, created_at, expires_at)
VALUES (@key, @fingerprint, @status, @response, @created, @expires)
ON CONFLICT (scope_key) DO UPDATE
SET fingerprint = EXCLUDED.fingerprint,
    status_code = EXCLUDED.status_code,
    response    = EXCLUDED.response,
    created_at  = EXCLUDED.created_at,
    expires_at  = EXCLUDED.expires_at
WHERE api_idempotency.expires_at <= now()`,
		pgx.NamedArgs{
			"key":         key,
			"fingerprint": record.Fingerprint,
			"status":      record.StatusCode,
			"response":    record.Response,
			"created":     record.CreatedAt,
			"expires":     record.ExpiresAt,
		},
	)
	return err
}

// Claim inserts a claim row. A stale claim left by a crashed request is taken
// over once it expires.
func (p *PostgresStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO api_idempotency_claims (scope_key, expires_at)
VALUES (@key, now() + make_interval(secs => @secs))
ON CONFLICT (scope_key) DO UPDATE
SET expires_at = EXCLUDED.expires_at
WHERE api_idempotency_claims.expires_at <= now()`,
		pgx.NamedArgs{"key": key, "secs": ttl.Seconds()},
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM api_idempotency_claims WHERE scope_key = @key`, pgx.NamedArgs{"key": key})
	return err
}

// DeleteExpired removes records past their expiry and reports how many went.
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM api_idempotency WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
