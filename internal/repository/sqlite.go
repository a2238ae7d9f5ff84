package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/crawlwatch/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	pub ChangePublisher
	log *slog.Logger

	// writeMu serializes commit+publish so the feed sees mutations in commit order.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store. pub may be nil.
func NewSQLiteStore(dsn string, pub ChangePublisher) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, pub: pub, log: slog.Default().With("component", "repository")}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC, id)`,
		`CREATE TABLE IF NOT EXISTS pages (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT,
			score REAL,
			created_at INTEGER NOT NULL,
			UNIQUE(run_id, url),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_run ON pages(run_id, created_at DESC, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("runs", "error_count", "ALTER TABLE runs ADD COLUMN error_count INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn("pages", "status", "ALTER TABLE pages ADD COLUMN status TEXT NOT NULL DEFAULT 'pending'"); err != nil {
		return err
	}
	if err := s.ensureColumn("pages", "total_hits", "ALTER TABLE pages ADD COLUMN total_hits INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn("pages", "notes", "ALTER TABLE pages ADD COLUMN notes TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("pages", "last_scanned_at", "ALTER TABLE pages ADD COLUMN last_scanned_at INTEGER"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const runColumns = `id, name, url, status, created_at, started_at, finished_at, error_count`

const pageColumns = `id, run_id, url, title, score, status, total_hits, notes, last_scanned_at, created_at`

// CreateRun inserts a run. Empty ID, Status and CreatedAt are filled in.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.URL, run.Status, toNanos(run.CreatedAt),
		nullNanos(run.StartedAt), nullNanos(run.FinishedAt), run.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	s.publish(domain.CollectionRuns, domain.OperationInsert, run.ID, "", run, nil)
	return nil
}

// GetRun returns the run or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return getRun(ctx, s.db, runID)
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRun loads a run, lets mutate change it and stores the result. The
// id, url and created_at of a run never change.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, mutate func(*domain.Run) error) (*domain.Run, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old, err := getRun(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, ErrNotFound
	}

	updated := *old
	if err := mutate(&updated); err != nil {
		return nil, err
	}
	updated.ID, updated.URL, updated.CreatedAt = old.ID, old.URL, old.CreatedAt

	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET name = ?, status = ?, started_at = ?, finished_at = ?, error_count = ? WHERE id = ?`,
		updated.Name, updated.Status, nullNanos(updated.StartedAt), nullNanos(updated.FinishedAt), updated.ErrorCount, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	s.publish(domain.CollectionRuns, domain.OperationUpdate, runID, "", updated, old)
	return &updated, nil
}

// DeleteRun deletes a run and its pages. Each page delete is published as
// its own change before the run delete.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := getRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrNotFound
	}
	pages, err := listPages(ctx, tx, runID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete pages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run delete: %w", err)
	}

	for _, page := range pages {
		s.publish(domain.CollectionPages, domain.OperationDelete, page.ID, page.RunID, nil, page)
	}
	s.publish(domain.CollectionRuns, domain.OperationDelete, runID, "", nil, run)
	return nil
}

// CreatePage records a page. A page whose (run_id, url) already exists is
// not inserted again: page is overwritten with the stored row and created
// is false.
func (s *SQLiteStore) CreatePage(ctx context.Context, page *domain.Page) (bool, error) {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	if page.Status == "" {
		page.Status = domain.PageStatusPending
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	run, err := getRun(ctx, s.db, page.RunID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, ErrNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, url) DO NOTHING`,
		page.ID, page.RunID, page.URL, nullString(page.Title), nullFloat(page.Score),
		page.Status, page.TotalHits, nullString(page.Notes), nullNanos(page.LastScannedAt), toNanos(page.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert page: %w", err)
	}
	if n == 0 {
		existing, err := s.pageByURL(ctx, page.RunID, page.URL)
		if err != nil {
			return false, err
		}
		if existing != nil {
			*page = *existing
		}
		return false, nil
	}

	s.publish(domain.CollectionPages, domain.OperationInsert, page.ID, page.RunID, page, nil)
	return true, nil
}

// GetPage returns the page or nil if it does not exist.
func (s *SQLiteStore) GetPage(ctx context.Context, pageID string) (*domain.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, pageID)
	page, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return page, err
}

// ListPages returns the pages of a run, or of every run when runID is empty,
// newest first.
func (s *SQLiteStore) ListPages(ctx context.Context, runID string) ([]domain.Page, error) {
	return listPages(ctx, s.db, runID)
}

// UpdatePage loads a page, lets mutate change it and stores the result. The
// id, owning run, url and created_at of a page never change.
func (s *SQLiteStore) UpdatePage(ctx context.Context, pageID string, mutate func(*domain.Page) error) (*domain.Page, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old, err := s.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, ErrNotFound
	}

	updated := *old
	if err := mutate(&updated); err != nil {
		return nil, err
	}
	updated.ID, updated.RunID, updated.URL, updated.CreatedAt = old.ID, old.RunID, old.URL, old.CreatedAt

	_, err = s.db.ExecContext(ctx,
		`UPDATE pages SET title = ?, score = ?, status = ?, total_hits = ?, notes = ?, last_scanned_at = ? WHERE id = ?`,
		nullString(updated.Title), nullFloat(updated.Score), updated.Status, updated.TotalHits,
		nullString(updated.Notes), nullNanos(updated.LastScannedAt), pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update page: %w", err)
	}

	s.publish(domain.CollectionPages, domain.OperationUpdate, pageID, updated.RunID, updated, old)
	return &updated, nil
}

// DeletePage deletes a page.
func (s *SQLiteStore) DeletePage(ctx context.Context, pageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if old == nil {
		return ErrNotFound
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, pageID); err != nil {
		return fmt.Errorf("failed to delete page: %w", err)
	}

	s.publish(domain.CollectionPages, domain.OperationDelete, pageID, old.RunID, nil, old)
	return nil
}

func (s *SQLiteStore) pageByURL(ctx context.Context, runID, url string) (*domain.Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE run_id = ? AND url = ?`, runID, url)
	page, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return page, err
}

// publish hands a committed mutation to the publisher. Callers hold writeMu.
func (s *SQLiteStore) publish(coll domain.Collection, op domain.Operation, id, parentID string, newRow, oldRow any) {
	if s.pub == nil {
		return
	}

	change := domain.Change{
		Collection:  coll,
		Operation:   op,
		EntityID:    id,
		ParentID:    parentID,
		CommittedAt: time.Now().UTC(),
	}
	var err error
	if newRow != nil {
		if change.New, err = json.Marshal(newRow); err != nil {
			s.log.Error("failed to marshal change", "collection", coll, "id", id, "error", err)
			return
		}
	}
	if oldRow != nil {
		if change.Old, err = json.Marshal(oldRow); err != nil {
			s.log.Error("failed to marshal change", "collection", coll, "id", id, "error", err)
			return
		}
	}
	s.pub.Publish(change)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getRun(ctx context.Context, q queryer, runID string) (*domain.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func listPages(ctx context.Context, q queryer, runID string) ([]domain.Page, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = q.QueryContext(ctx,
			`SELECT `+pageColumns+` FROM pages ORDER BY created_at DESC, id ASC`)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT `+pageColumns+` FROM pages WHERE run_id = ? ORDER BY created_at DESC, id ASC`, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	pages := []domain.Page{}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *page)
	}
	return pages, rows.Err()
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64

	err := row.Scan(
		&run.ID, &run.Name, &run.URL, &run.Status, &createdAt,
		&startedAt, &finishedAt, &run.ErrorCount,
	)
	if err != nil {
		return nil, err
	}

	run.CreatedAt = fromNanos(createdAt)
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanPage(row scanner) (*domain.Page, error) {
	var page domain.Page
	var title, notes sql.NullString
	var score sql.NullFloat64
	var lastScannedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&page.ID, &page.RunID, &page.URL, &title, &score,
		&page.Status, &page.TotalHits, &notes, &lastScannedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	page.CreatedAt = fromNanos(createdAt)
	if title.Valid {
		page.Title = title.String
	}
	if score.Valid {
		v := score.Float64
		page.Score = &v
	}
	if notes.Valid {
		page.Notes = notes.String
	}
	if lastScannedAt.Valid {
		t := fromNanos(lastScannedAt.Int64)
		page.LastScannedAt = &t
	}
	return &page, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
