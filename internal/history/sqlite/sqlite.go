package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/history"

	_ "modernc.org/sqlite"
)

// Store implements history.Recorder backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for
// testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, rec history.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, language, code, stdout, stderr, exit_code, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Language, rec.Code, rec.Stdout, rec.Stderr,
		rec.ExitCode, rec.Status, rec.Timestamp.UTC().Format(time.RFC3339),
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, language, code, stdout, stderr, exit_code, status, created_at
		FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var recs []history.Record
	for rows.Next() {
		var rec history.Record
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Language, &rec.Code, &rec.Stdout,
			&rec.Stderr, &rec.ExitCode, &rec.Status, &createdAt); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
