package postgres

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"runbox/internal/history"
)

const pingTimeout = 10 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    language   TEXT NOT NULL,
    code       TEXT NOT NULL DEFAULT '',
    stdout     TEXT NOT NULL DEFAULT '',
    stderr     TEXT NOT NULL DEFAULT '',
    exit_code  INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at DESC);
`

// Store implements history.Recorder backed by a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

func Open(dsn string, log *zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.ConnConfig.RuntimeParams["application_name"] = "runbox"

	poolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Msg("database connection established")

	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Append(ctx context.Context, rec history.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, language, code, stdout, stderr, exit_code, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Language, rec.Code, rec.Stdout, rec.Stderr,
		rec.ExitCode, rec.Status, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = history.MaxRecords
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, language, code, stdout, stderr, exit_code, status, created_at
		FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var recs []history.Record
	for rows.Next() {
		var rec history.Record
		if err := rows.Scan(&rec.ID, &rec.Language, &rec.Code, &rec.Stdout,
			&rec.Stderr, &rec.ExitCode, &rec.Status, &rec.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Close() error {
	s.log.Info().Msg("closing database connection pool")
	s.pool.Close()
	return nil
}
