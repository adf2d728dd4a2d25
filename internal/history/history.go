// Package history records every destroy attempt in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/gurisko/reaper/internal/lifecycle"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the execution repository on SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the database file if needed and applies pending migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// single writer; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.With("component", "history")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	results, err := provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

const columns = `id, project_id, attempt, started_at, completed_at, status, exit_code, stdout, stderr, truncated, duration_ms, error`

// Create inserts a new execution row.
func (s *Store) Create(ctx context.Context, e *lifecycle.Execution) error {
	const query = `INSERT INTO executions (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, args(e)...)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// Update overwrites every mutable column of an existing execution.
func (s *Store) Update(ctx context.Context, e *lifecycle.Execution) error {
	const query = `UPDATE executions SET completed_at = ?, status = ?, exit_code = ?, stdout = ?, stderr = ?,
		truncated = ?, duration_ms = ?, error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		nullTime(e.CompletedAt), string(e.Status), nullInt(e.ExitCode), e.Stdout, e.Stderr,
		e.Truncated, e.DurationMS, e.Error, e.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &lifecycle.NotFoundError{Kind: "execution", ID: e.ID}
	}
	return nil
}

// FindByID fetches one execution.
func (s *Store) FindByID(ctx context.Context, id string) (*lifecycle.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM executions WHERE id = ?`, id)
	e, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &lifecycle.NotFoundError{Kind: "execution", ID: id}
		}
		return nil, err
	}
	return e, nil
}

// ListByProject returns a project's executions newest first. limit <= 0
// means no limit.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int) ([]*lifecycle.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM executions WHERE project_id = ? ORDER BY started_at DESC, attempt DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Execution
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every execution left queued or running by a previous
// process and returns how many rows changed.
func (s *Store) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, error = ? WHERE status IN (?, ?)`,
		string(lifecycle.ExecutionFailed), at.UTC().UnixNano(), "interrupted",
		string(lifecycle.ExecutionQueued), string(lifecycle.ExecutionRunning))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted executions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*lifecycle.Execution, error) {
	var (
		e         lifecycle.Execution
		started   int64
		completed sql.NullInt64
		status    string
		exitCode  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Attempt, &started, &completed, &status, &exitCode,
		&e.Stdout, &e.Stderr, &e.Truncated, &e.DurationMS, &e.Error); err != nil {
		return nil, err
	}
	e.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		e.CompletedAt = &t
	}
	e.Status = lifecycle.ExecutionStatus(status)
	if exitCode.Valid {
		c := int(exitCode.Int64)
		e.ExitCode = &c
	}
	return &e, nil
}

func args(e *lifecycle.Execution) []any {
	return []any{
		e.ID, e.ProjectID, e.Attempt, e.StartedAt.UTC().UnixNano(), nullTime(e.CompletedAt),
		string(e.Status), nullInt(e.ExitCode), e.Stdout, e.Stderr, e.Truncated, e.DurationMS, e.Error,
	}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
