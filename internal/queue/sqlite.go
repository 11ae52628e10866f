package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relayctl/internal/domain"
)

var ErrEmpty = errors.New("no new work items")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS work_items (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  state TEXT NOT NULL CHECK(state IN ('new','processing','completed','failed')) DEFAULT 'new',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  processed_at DATETIME,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_items_new ON work_items(state, created_at);
CREATE TABLE IF NOT EXISTS item_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  item_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(item_id) REFERENCES work_items(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  name_prefix TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the persisted work queue. The queue worker is the only
// mutator of item state; producers only insert.
type Repository interface {
	Enqueue(ctx context.Context, item domain.WorkItem) (string, error)
	// ClaimOldestNew atomically claims the oldest NEW item: state moves to
	// PROCESSING and the attempt counter increments. ErrEmpty when idle.
	ClaimOldestNew(ctx context.Context) (domain.WorkItem, error)
	Complete(ctx context.Context, id string) error
	// Requeue routes a failed attempt: back to NEW while attempts remain,
	// terminally FAILED once the budget is spent.
	Requeue(ctx context.Context, id, reason string) error
	Fail(ctx context.Context, id, reason string) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	Get(ctx context.Context, id string) (domain.WorkItem, error)
	ListRecent(ctx context.Context, limit int) ([]domain.WorkItem, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Enqueue(ctx context.Context, item domain.WorkItem) (string, error) {
	id := item.ID
	if id == "" {
		id = "itm_" + uuid.NewString()
	}
	if item.Name == "" {
		return "", errors.New("work item name is required")
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = 3
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO work_items (id,name,state,attempts,max_attempts,created_at,updated_at)
VALUES (?,?, 'new',0,?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, item.Name, item.MaxAttempts)
	return id, err
}

func (r *sqliteRepo) ClaimOldestNew(ctx context.Context) (domain.WorkItem, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,name,state,attempts,max_attempts,created_at,processed_at,updated_at
FROM work_items
WHERE state='new'
ORDER BY created_at ASC, rowid ASC
LIMIT 1
`)
	var item domain.WorkItem
	var processedAt sql.NullTime
	err = row.Scan(&item.ID, &item.Name, &item.State, &item.Attempts, &item.MaxAttempts, &item.CreatedAt, &processedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.WorkItem{}, rbErr
		}
		return domain.WorkItem{}, ErrEmpty
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		item.ProcessedAt = &t
	}

	_, err = tx.ExecContext(ctx, `
UPDATE work_items SET state='processing', attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, item.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO item_attempts(item_id) VALUES (?)`, item.ID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	item.State = domain.StateProcessing
	item.Attempts++
	return item, nil
}

// settle closes out the latest attempt row and applies a state transition
// to the item, in one transaction. The driver executes only the first
// statement of a multi-statement exec once bind args are involved, so the
// two updates must be separate calls.
func (r *sqliteRepo) settle(ctx context.Context, id string, attemptErr sql.NullString, transition string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if attemptErr.Valid {
		_, err = tx.ExecContext(ctx, `
UPDATE item_attempts SET success=0, error=?, finished_at=CURRENT_TIMESTAMP
WHERE id=(SELECT MAX(id) FROM item_attempts WHERE item_id=?)`, attemptErr.String, id)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE item_attempts SET success=1, finished_at=CURRENT_TIMESTAMP
WHERE id=(SELECT MAX(id) FROM item_attempts WHERE item_id=?)`, id)
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, transition, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Complete(ctx context.Context, id string) error {
	return r.settle(ctx, id, sql.NullString{}, `
UPDATE work_items SET state='completed', processed_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='processing'`)
}

func (r *sqliteRepo) Requeue(ctx context.Context, id, reason string) error {
	// Guarded CASE so the retry ceiling holds even if the process dies
	// between attempts: back to 'new' only while attempts remain.
	return r.settle(ctx, id, sql.NullString{String: reason, Valid: true}, `
UPDATE work_items
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'new' END,
    updated_at = CURRENT_TIMESTAMP
WHERE id=? AND state='processing'`)
}

func (r *sqliteRepo) Fail(ctx context.Context, id, reason string) error {
	return r.settle(ctx, id, sql.NullString{String: reason, Valid: true}, `
UPDATE work_items SET state='failed', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='processing'`)
}

// RecoverStale requeues items stuck in PROCESSING longer than olderThan,
// which only happens after a crash mid-cycle. Attempts already spent stay
// spent, so the retry ceiling survives restarts.
func (r *sqliteRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE work_items
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'new' END,
    updated_at = CURRENT_TIMESTAMP
WHERE state='processing' AND strftime('%s','now') - strftime('%s',updated_at) > ?;`,
		int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,state,attempts,max_attempts,created_at,processed_at,updated_at
FROM work_items WHERE id=?`, id)
	return scanItem(row)
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,state,attempts,max_attempts,created_at,processed_at,updated_at
FROM work_items ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanItem(row scanner) (domain.WorkItem, error) {
	var item domain.WorkItem
	var processedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.Name, &item.State, &item.Attempts, &item.MaxAttempts, &item.CreatedAt, &processedAt, &item.UpdatedAt); err != nil {
		return domain.WorkItem{}, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		item.ProcessedAt = &t
	}
	return item, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.NamePrefix == "" {
		return "", errors.New("schedule name_prefix is required")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,name_prefix,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.NamePrefix, s.Enabled, s.LastRun, s.NextRun)
	return id, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,name_prefix,enabled,last_run,next_run,created_at,updated_at
FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,name_prefix,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		var lastRun sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.CronExpr, &s.NamePrefix, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			s.LastRun = &t
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}
