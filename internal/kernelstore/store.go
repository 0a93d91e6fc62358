package kernelstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no row matches the query.
var ErrNotFound = errors.New("kernel runtime not found")

// Store persists Runtime rows in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the runtime database at the given path and runs
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kernel_runtimes (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		notebook_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL,
		status TEXT NOT NULL,
		kernel_id TEXT NOT NULL DEFAULT '',
		kernel_pid INTEGER NOT NULL DEFAULT 0,
		connection_file TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kernel_runtimes_identity
		ON kernel_runtimes(team_id, notebook_id, user_id, backend);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_kernel_runtimes_active
		ON kernel_runtimes(team_id, notebook_id, user_id, backend)
		WHERE status IN ('STARTING', 'RUNNING');
	`
	_, err := s.db.Exec(schema)
	return err
}

const runtimeColumns = `id, team_id, notebook_id, user_id, backend, status,
	kernel_id, kernel_pid, connection_file, sandbox_id, last_error,
	created_at, updated_at, last_used_at`

// Create inserts a new row. The caller must have discarded any active row
// for the same identity first; the partial unique index backstops that.
func (s *Store) Create(ctx context.Context, r *Runtime) error {
	r.Identity = normalizeIdentity(r.Identity)
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.LastUsedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kernel_runtimes (`+runtimeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Identity.TeamID, r.Identity.NotebookID, r.Identity.UserID,
		r.Identity.Backend, r.Status, r.KernelID, r.KernelPID,
		r.ConnectionFile, r.SandboxID, r.LastError,
		r.CreatedAt, r.UpdatedAt, r.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert kernel runtime: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Runtime, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM kernel_runtimes WHERE id = ?`, id)
	return scanRuntime(row)
}

// FindActive returns the most recent STARTING or RUNNING row for the
// identity, or ErrNotFound.
func (s *Store) FindActive(ctx context.Context, id Identity) (*Runtime, error) {
	id = normalizeIdentity(id)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM kernel_runtimes
		 WHERE team_id = ? AND notebook_id = ? AND user_id = ? AND backend = ?
		   AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		id.TeamID, id.NotebookID, id.UserID, id.Backend,
		StatusStarting, StatusRunning,
	)
	return scanRuntime(row)
}

// FindRunning returns the most recent RUNNING row for the identity, or
// ErrNotFound. Used by the reuse path, which requires a confirmed kernel.
func (s *Store) FindRunning(ctx context.Context, id Identity) (*Runtime, error) {
	id = normalizeIdentity(id)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM kernel_runtimes
		 WHERE team_id = ? AND notebook_id = ? AND user_id = ? AND backend = ?
		   AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		id.TeamID, id.NotebookID, id.UserID, id.Backend, StatusRunning,
	)
	return scanRuntime(row)
}

// DiscardActive transitions every active row for the identity to
// DISCARDED. A new row, not a resurrection of an old one, is authoritative
// after this.
func (s *Store) DiscardActive(ctx context.Context, id Identity) error {
	id = normalizeIdentity(id)
	_, err := s.db.ExecContext(ctx,
		`UPDATE kernel_runtimes SET status = ?, updated_at = ?
		 WHERE team_id = ? AND notebook_id = ? AND user_id = ? AND backend = ?
		   AND status IN (?, ?)`,
		StatusDiscarded, time.Now().UTC(),
		id.TeamID, id.NotebookID, id.UserID, id.Backend,
		StatusStarting, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("discard active kernel runtimes: %w", err)
	}
	return nil
}

// SetRunning records the confirmed kernel process and transitions the row
// to RUNNING.
func (s *Store) SetRunning(ctx context.Context, id, kernelID string, kernelPID int64, connectionFile, sandboxID string) error {
	now := time.Now().UTC()
	return s.update(ctx, id,
		`UPDATE kernel_runtimes
		 SET status = ?, kernel_id = ?, kernel_pid = ?, connection_file = ?,
		     sandbox_id = ?, last_error = '', updated_at = ?, last_used_at = ?
		 WHERE id = ?`,
		StatusRunning, kernelID, kernelPID, connectionFile, sandboxID, now, now, id)
}

// SetStatus transitions the row without touching kernel identifiers.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id,
		`UPDATE kernel_runtimes SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

// SetError transitions the row to ERROR with a diagnostic.
func (s *Store) SetError(ctx context.Context, id, message string) error {
	return s.update(ctx, id,
		`UPDATE kernel_runtimes SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusError, message, time.Now().UTC(), id)
}

// Touch bumps last_used_at on a successful ensure/execute/shutdown.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.update(ctx, id,
		`UPDATE kernel_runtimes SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update kernel runtime %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update kernel runtime %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRuntime(row *sql.Row) (*Runtime, error) {
	r := &Runtime{}
	err := row.Scan(
		&r.ID, &r.Identity.TeamID, &r.Identity.NotebookID, &r.Identity.UserID,
		&r.Identity.Backend, &r.Status, &r.KernelID, &r.KernelPID,
		&r.ConnectionFile, &r.SandboxID, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt, &r.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan kernel runtime: %w", err)
	}
	return r, nil
}
