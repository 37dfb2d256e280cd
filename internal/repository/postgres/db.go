package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// Options — настройки пула соединений
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open открывает пул и проверяет соединение
func Open(ctx context.Context, connString string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Schema — таблицы ядра. Идемпотентна.
const Schema = `
CREATE TABLE IF NOT EXISTS policy_documents (
	id          TEXT PRIMARY KEY,
	policy_type TEXT NOT NULL,
	document    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS policy_documents_type_idx ON policy_documents (policy_type);

CREATE TABLE IF NOT EXISTS verdict_audit (
	id          UUID PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	tenant      TEXT NOT NULL,
	domain      TEXT NOT NULL,
	resource    TEXT NOT NULL,
	action      TEXT NOT NULL,
	verdict     TEXT NOT NULL,
	reason_code TEXT,
	verdict_id  TEXT,
	details     JSONB,
	event_hash  TEXT,
	signature   TEXT,
	key_id      TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	duration_us BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS verdict_audit_verdict_id_idx ON verdict_audit (verdict_id);
`

// Migrate создает таблицы, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
