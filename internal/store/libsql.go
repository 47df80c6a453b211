package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/graphrun/pkg/schema"
)

// LibSQLRepository implements Repository on libSQL (embedded SQLite fork).
type LibSQLRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*LibSQLRepository)(nil)

// NewLibSQLRepository opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLRepository(dbPath string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLRepository) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLRepository) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLRepository) SavePause(ctx context.Context, rec *PauseRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal pause reasons: %w", err)
	}
	now := s.now()
	rec.ExpiresAt = earliestExpiry(rec.Reasons)
	rec.ClaimedAt = nil
	rec.CreatedAt = timeOr(rec.CreatedAt, now)
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pauses (run_id, workflow_id, request, state, reasons, expires_at, claimed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET workflow_id=excluded.workflow_id, request=excluded.request,
		   state=excluded.state, reasons=excluded.reasons, expires_at=excluded.expires_at,
		   claimed_at=NULL, updated_at=excluded.updated_at`,
		rec.RunID, rec.WorkflowID, rawOrEmpty(rec.Request), rec.State, string(reasons),
		nullTime(rec.ExpiresAt), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return storeErr("save pause", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pause_forms WHERE run_id = ?`, rec.RunID); err != nil {
		return storeErr("clear pause forms", err)
	}
	for _, p := range rec.Reasons {
		if p.FormID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pause_forms (form_id, run_id, node_id, type) VALUES (?, ?, ?, ?)`,
			p.FormID, rec.RunID, p.NodeID, string(p.Type),
		); err != nil {
			return storeErr("save pause form", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit save", err)
	}
	return nil
}

const selectPause = `SELECT run_id, workflow_id, request, state, reasons, expires_at, claimed_at, created_at, updated_at FROM pauses`

func (s *LibSQLRepository) LoadPause(ctx context.Context, runID string) (*PauseRecord, error) {
	rec, err := scanPause(s.db.QueryRowContext(ctx, selectPause+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("pause", runID)
	}
	return rec, err
}

func (s *LibSQLRepository) FindPauseByForm(ctx context.Context, formID string) (*PauseRecord, error) {
	rec, err := scanPause(s.db.QueryRowContext(ctx,
		selectPause+` WHERE run_id = (SELECT run_id FROM pause_forms WHERE form_id = ?)`, formID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("form", formID)
	}
	return rec, err
}

func (s *LibSQLRepository) ClaimPause(ctx context.Context, runID string) (*PauseRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pauses SET claimed_at = ?, updated_at = ? WHERE run_id = ? AND claimed_at IS NULL`,
		s.now(), s.now(), runID,
	)
	if err != nil {
		return nil, storeErr("claim pause", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("claim pause", err)
	}
	rec, err := s.LoadPause(ctx, runID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, claimConflict(runID)
	}
	return rec, nil
}

func (s *LibSQLRepository) ListExpiredPauses(ctx context.Context, now time.Time) ([]*PauseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPause+` WHERE claimed_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at, run_id`,
		now.UTC(),
	)
	if err != nil {
		return nil, storeErr("list expired pauses", err)
	}
	defer rows.Close()

	var out []*PauseRecord
	for rows.Next() {
		rec, err := scanPause(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLRepository) DeletePause(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pause_forms WHERE run_id = ?`, runID); err != nil {
		return storeErr("delete pause forms", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pauses WHERE run_id = ?`, runID); err != nil {
		return storeErr("delete pause", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPause(row rowScanner) (*PauseRecord, error) {
	rec := &PauseRecord{}
	var (
		request, reasons string
		expires, claimed sql.NullTime
	)
	if err := row.Scan(&rec.RunID, &rec.WorkflowID, &request, &rec.State, &reasons,
		&expires, &claimed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if request != "" {
		rec.Request = json.RawMessage(request)
	}
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("unmarshal pause reasons: %w", err)
	}
	if expires.Valid {
		rec.ExpiresAt = &expires.Time
	}
	if claimed.Valid {
		rec.ClaimedAt = &claimed.Time
	}
	return rec, nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func rawOrEmpty(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}
