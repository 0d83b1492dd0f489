package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"postflow/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

// EnsureSchema creates the queue tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Enqueue makes t eligible for execution no earlier than t.NextRunAt
	// (zero means immediately). When t carries an idempotency key that
	// already exists, the existing task's id is returned instead.
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	// Retry records a failed attempt and requeues the task after delay,
	// or moves it to failed when attempts are exhausted.
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Task, error)
	CountAttempts(ctx context.Context, id string) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = time.Now().UTC()
	}

	if t.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?, 'queued',?,?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, t.Type, t.Payload, t.Priority, t.Attempts, t.MaxAttempts, t.NextRunAt.UTC(), t.VisibilityTimeout, t.IdempotencyKey)
	return id, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now.UTC())
	var t domain.Task
	var idem sql.NullString
	err = row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Task{}, Lease{}, rbErr
		}
		return domain.Task{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	return t, Lease{Until: leaseUntil}, nil
}

// settle logs one attempt and applies the task update inside a single tx.
// The attempt INSERT and the task UPDATE run as separate statements: the
// sqlite driver does not reliably execute a parameterized multi-statement
// Exec past the first statement.
func (r *sqliteRepo) settle(ctx context.Context, id, errStr string, success bool, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,CURRENT_TIMESTAMP)`, id, success, errStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	nextRun := time.Now().UTC().Add(delay)
	return r.settle(ctx, id, errStr, false, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, nextRun, id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.settle(ctx, id, "", true, `
UPDATE tasks SET state='succeeded', attempts = attempts + 1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	// Hard fail: move to failed and stop
	return r.settle(ctx, id, errStr, false, `
UPDATE tasks SET state='failed', attempts = attempts + 1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks WHERE id=?`, id)
	var t domain.Task
	var idem sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var idem sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
			continue
		}
		if idem.Valid {
			s := idem.String
			t.IdempotencyKey = &s
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) CountAttempts(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_attempts WHERE task_id=?`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
