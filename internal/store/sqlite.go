package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"botflow/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a conditional state transition finds the
// record in a different state than required (e.g. marking a canceled
// action inflight).
var ErrConflict = errors.New("conflicting state transition")

// IsDuplicateKey reports whether err is the unique-index violation raised
// when a second row claims an already-held dedup key. Callers losing that
// race should resolve the key to the earlier row instead of failing.
func IsDuplicateKey(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS actions (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  due_at DATETIME NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('pending','inflight','done','failed','canceled')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  last_error TEXT NOT NULL DEFAULT '',
  schedule_id TEXT,
  dedup_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_due ON actions(state, due_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_dedup ON actions(dedup_key) WHERE dedup_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS action_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action_id TEXT NOT NULL,
  finished_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(action_id) REFERENCES actions(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  dedup_key TEXT,
  last_fired DATETIME,
  next_due DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_dedup ON schedules(dedup_key) WHERE dedup_key IS NOT NULL;
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	CreateAction(ctx context.Context, a domain.Action) (string, error)
	GetAction(ctx context.Context, id string) (domain.Action, error)
	FindByDedupKey(ctx context.Context, key string, since time.Time) (string, error)
	ListPending(ctx context.Context) ([]domain.Action, error)
	HasActiveInstance(ctx context.Context, scheduleID string) (bool, error)
	RecoverInFlight(ctx context.Context) (int, error)

	MarkInFlight(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string, attempts int) error
	MarkRetry(ctx context.Context, id, lastErr string, dueAt time.Time, attempts int) error
	MarkFailed(ctx context.Context, id, lastErr string, attempts int) error
	MarkCanceled(ctx context.Context, id string) error

	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	MarkScheduleFired(ctx context.Context, id string, lastFired, nextDue time.Time) error

	ExpireDedupKeys(ctx context.Context, olderThan time.Time) (int, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const actionCols = `id,kind,payload,due_at,state,attempts,max_attempts,last_error,schedule_id,dedup_key,created_at,updated_at`

func scanAction(row interface{ Scan(...any) error }) (domain.Action, error) {
	var a domain.Action
	var sched, dedup sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &a.Payload, &a.DueAt, &a.State, &a.Attempts,
		&a.MaxAttempts, &a.LastError, &sched, &dedup, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Action{}, err
	}
	if sched.Valid {
		s := sched.String
		a.ScheduleID = &s
	}
	if dedup.Valid {
		s := dedup.String
		a.DedupKey = &s
	}
	return a, nil
}

func (r *sqliteRepo) CreateAction(ctx context.Context, a domain.Action) (string, error) {
	id := a.ID
	if id == "" {
		id = "act_" + uuid.NewString()
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 5
	}
	if a.State == "" {
		a.State = domain.StatePending
	}
	if a.Payload == nil {
		a.Payload = []byte{}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO actions (id,kind,payload,due_at,state,attempts,max_attempts,last_error,schedule_id,dedup_key,created_at,updated_at)
VALUES (?,?,?,?,?,0,?,'',?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, a.Kind, []byte(a.Payload), a.DueAt.UTC(), a.State, a.MaxAttempts, a.ScheduleID, a.DedupKey)
	return id, err
}

func (r *sqliteRepo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Action{}, ErrNotFound
	}
	return a, err
}

// FindByDedupKey returns the id of the action or schedule carrying key,
// created at or after since, or ErrNotFound. Both tables are consulted so
// a resubmitted event is suppressed regardless of how its first delivery
// was routed.
func (r *sqliteRepo) FindByDedupKey(ctx context.Context, key string, since time.Time) (string, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id FROM actions WHERE dedup_key=? AND created_at >= ?
UNION
SELECT id FROM schedules WHERE dedup_key=? AND created_at >= ?`,
		key, since.UTC(), key, since.UTC())
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// HasActiveInstance reports whether the schedule has an instance that is
// pending or inflight. Inflight instances are invisible to the in-memory
// pending set, so resume paths must ask the store.
func (r *sqliteRepo) HasActiveInstance(ctx context.Context, scheduleID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM actions WHERE schedule_id=? AND state IN ('pending','inflight')`, scheduleID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqliteRepo) ListPending(ctx context.Context) ([]domain.Action, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+actionCols+` FROM actions WHERE state='pending' ORDER BY due_at, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// RecoverInFlight flips actions left inflight by a previous process back to
// pending so the scheduler reloads them. Attempt counts are preserved.
func (r *sqliteRepo) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE actions SET state='pending', updated_at=CURRENT_TIMESTAMP WHERE state='inflight'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkInFlight transitions pending -> inflight. ErrConflict means the
// action was not pending (already fired, canceled or unknown).
func (r *sqliteRepo) MarkInFlight(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE actions SET state='inflight', updated_at=CURRENT_TIMESTAMP WHERE id=? AND state='pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Attempt bookkeeping and the state change must land together, and the
// driver runs only the first statement of a parameterized batch, so every
// transition below is an explicit transaction with one statement per call.

func (r *sqliteRepo) MarkDone(ctx context.Context, id string, attempts int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_attempts(action_id, success, error) VALUES (?,1,'')`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE actions SET state='done', attempts=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		attempts, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRetry returns the action to pending with a new due time after a
// transient failure.
func (r *sqliteRepo) MarkRetry(ctx context.Context, id, lastErr string, dueAt time.Time, attempts int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_attempts(action_id, success, error) VALUES (?,0,?)`, id, lastErr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE actions SET state='pending', attempts=?, last_error=?, due_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		attempts, lastErr, dueAt.UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) MarkFailed(ctx context.Context, id, lastErr string, attempts int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_attempts(action_id, success, error) VALUES (?,0,?)`, id, lastErr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE actions SET state='failed', attempts=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		attempts, lastErr, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkCanceled transitions pending -> canceled. The record is kept for
// audit rather than deleted.
func (r *sqliteRepo) MarkCanceled(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE actions SET state='canceled', updated_at=CURRENT_TIMESTAMP WHERE id=? AND state='pending'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.Payload == nil {
		s.Payload = []byte{}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,kind,payload,max_attempts,enabled,dedup_key,last_fired,next_due,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.Kind, []byte(s.Payload), s.MaxAttempts, s.Enabled, s.DedupKey, s.LastFired, s.NextDue.UTC())
	return id, err
}

const scheduleCols = `id,name,cron_expr,kind,payload,max_attempts,enabled,dedup_key,last_fired,next_due,created_at,updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	var dedup sql.NullString
	var lastFired sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Kind, &s.Payload, &s.MaxAttempts,
		&s.Enabled, &dedup, &lastFired, &s.NextDue, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if dedup.Valid {
		k := dedup.String
		s.DedupKey = &k
	}
	if lastFired.Valid {
		t := lastFired.Time
		s.LastFired = &t
	}
	return s, nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,kind=?,payload=?,max_attempts=?,enabled=?,next_due=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.Kind, []byte(s.Payload), s.MaxAttempts, s.Enabled, s.NextDue.UTC(), s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteRepo) MarkScheduleFired(ctx context.Context, id string, lastFired, nextDue time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_fired=?,next_due=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastFired.UTC(), nextDue.UTC(), id)
	return err
}

// ExpireDedupKeys clears dedup keys outside the suppression window so the
// same logical event may be accepted again later.
func (r *sqliteRepo) ExpireDedupKeys(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	resA, err := tx.ExecContext(ctx, `
UPDATE actions SET dedup_key=NULL WHERE dedup_key IS NOT NULL AND created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	resS, err := tx.ExecContext(ctx, `
UPDATE schedules SET dedup_key=NULL WHERE dedup_key IS NOT NULL AND created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	na, _ := resA.RowsAffected()
	ns, _ := resS.RowsAffected()
	return int(na + ns), nil
}

// PurgeTerminal deletes terminal actions past the retention window,
// together with their attempt history. Returns the number of actions
// removed.
func (r *sqliteRepo) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
DELETE FROM action_attempts WHERE action_id IN
  (SELECT id FROM actions WHERE state IN ('done','failed','canceled') AND updated_at < ?)`,
		olderThan.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM actions WHERE state IN ('done','failed','canceled') AND updated_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
