package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createRendersTable = `
CREATE TABLE IF NOT EXISTS renders (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    target      TEXT NOT NULL,
    status      TEXT NOT NULL,
    image_path  TEXT NOT NULL DEFAULT '',
    has_html    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createRendersCreatedIndex = `
CREATE INDEX IF NOT EXISTS renders_created_at ON renders (created_at DESC)`

const renderColumns = `id, kind, target, status, image_path, has_html, error,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a render is not found.
var ErrNotFound = errors.New("render not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; pin it to one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRendersTable, createRendersCreatedIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate renders table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRender inserts a new render record.
func (s *SQLiteStore) CreateRender(ctx context.Context, r *model.Render) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renders (`+renderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Target, r.Status, r.ImagePath, r.HasHTML, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert render: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRender(row scanner) (*model.Render, error) {
	r := &model.Render{}
	err := row.Scan(
		&r.ID, &r.Kind, &r.Target, &r.Status, &r.ImagePath, &r.HasHTML, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRender retrieves a render by ID.
func (s *SQLiteStore) GetRender(ctx context.Context, id string) (*model.Render, error) {
	r, err := scanRender(s.db.QueryRowContext(ctx,
		`SELECT `+renderColumns+` FROM renders WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get render: %w", err)
	}
	return r, nil
}

// ListRenders returns a paginated list of renders ordered by created_at DESC,
// along with the total count of all renders.
func (s *SQLiteStore) ListRenders(ctx context.Context, limit, offset int) ([]*model.Render, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM renders").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count renders: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+renderColumns+` FROM renders
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list renders: %w", err)
	}
	defer rows.Close()

	var renders []*model.Render
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan render: %w", err)
		}
		renders = append(renders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate renders: %w", err)
	}

	return renders, total, nil
}

// UpdateRenderStatus moves a render to status. Moving to running sets
// started_at; moving to a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRenderStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE renders SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE renders SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE renders SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update render status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// FinishRender records the terminal state of a render: status, image path,
// error, duration and timestamps from r.
func (s *SQLiteStore) FinishRender(ctx context.Context, r *model.Render) error {
	if !model.IsTerminal(r.Status) {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, r.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, r.ID, r.Status); err != nil {
		return err
	}

	finishedAt := r.FinishedAt
	if finishedAt == nil {
		now := time.Now().UTC()
		finishedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE renders SET status = ?, image_path = ?, has_html = ?, error = ?,
			duration_ms = ?, started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.ImagePath, r.HasHTML, r.Error,
		r.DurationMS, r.StartedAt, finishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish render: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

// checkTransition loads the current status of id and verifies that moving to
// status is allowed.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM renders WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get render status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// GetRenderStats returns aggregate statistics over all renders. The average
// duration only counts renders with a recorded duration.
func (s *SQLiteStore) GetRenderStats(ctx context.Context) (*RenderStats, error) {
	stats := &RenderStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM renders",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count renders: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := countBy(ctx, s.db, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, s.db, "kind", stats.CountByKind); err != nil {
		return nil, err
	}

	return stats, nil
}

// countBy fills dst with row counts grouped by column. column is never user input.
func countBy(ctx context.Context, db *sql.DB, column string, dst map[string]int) error {
	rows, err := db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM renders GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count renders by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return nil
}
