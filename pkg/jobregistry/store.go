package jobregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so TEXT comparison and ORDER BY match time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, task_type, status, book_asin, payload, progress_percent,
	status_message, error_message, result_json, attempt, original_job_id,
	created_at, updated_at, completed_at`

// Store is the durable Job Record Store.
//
// It is the single source of truth for job state. Every state change goes
// through Update, which writes status, progress, messages and timestamps in
// one statement inside one transaction.
type Store struct {
	db     *sql.DB
	logs   *LogStore
	now    func() time.Time
	ownsDB bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogStore attaches the per-job log store so Delete can remove log files.
func WithLogStore(l *LogStore) StoreOption {
	return func(s *Store) { s.logs = l }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore wraps an already migrated database handle.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the jobs database, applies migrations and returns a Store that
// owns the connection.
func Open(ctx context.Context, cfg Config, opts ...StoreOption) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := NewStore(db, opts...)
	s.ownsDB = true
	return s, nil
}

// Close releases the database when the Store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Logs returns the attached log store (may be nil).
func (s *Store) Logs() *LogStore {
	return s.logs
}

// Create inserts a new PENDING job. ID, Attempt and timestamps are filled in
// when empty.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if _, err := ParseTaskType(string(job.TaskType)); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: new jobs start pending, got %s", ErrValidation, job.Status)
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.Attempt == 1 && job.OriginalJobID != nil {
		return fmt.Errorf("%w: first attempt cannot reference an original job", ErrValidation)
	}
	if job.Attempt > 1 && (job.OriginalJobID == nil || strings.TrimSpace(*job.OriginalJobID) == "") {
		return fmt.Errorf("%w: attempt %d requires original_job_id", ErrValidation, job.Attempt)
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.New().String()
	}

	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.ProgressPercent = clampPercent(job.ProgressPercent)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.TaskType), string(job.Status), nullString(job.BookASIN),
		nullBytes(job.Payload), job.ProgressPercent, job.StatusMessage, job.ErrorMessage,
		nullBytes(job.ResultJSON), job.Attempt, nullString(job.OriginalJobID),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns one job or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryRower, id string) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrValidation)
	}
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter ordered by creation time (oldest first).
func (s *Store) List(ctx context.Context, f ListFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(f.TaskType))
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.CreatedBefore))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Update applies one patch atomically and returns the resulting record.
//
// The lifecycle graph is enforced here: terminal rows are never modified,
// progress never decreases, COMPLETED always reads 100 and terminal states
// always carry completed_at.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyPatch(cur, p, s.now().UTC())
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress_percent = ?, status_message = ?,
		        error_message = ?, result_json = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(next.Status), next.ProgressPercent, next.StatusMessage, next.ErrorMessage,
		nullBytes(next.ResultJSON), formatTime(next.UpdatedAt), nullTime(next.CompletedAt),
		next.ID, string(cur.Status))
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, &TransitionError{JobID: cur.ID, From: cur.Status, To: next.Status}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job update: %w", err)
	}
	return next, nil
}

func applyPatch(cur *Job, p Patch, now time.Time) (*Job, error) {
	target := cur.Status
	if p.Status != nil {
		target = *p.Status
	}
	if cur.Status.IsTerminal() || !CanTransition(cur.Status, target) {
		return nil, &TransitionError{JobID: cur.ID, From: cur.Status, To: target}
	}

	next := *cur
	next.Status = target
	if p.ProgressPercent != nil {
		if v := clampPercent(*p.ProgressPercent); v > next.ProgressPercent {
			next.ProgressPercent = v
		}
	}
	if p.StatusMessage != nil {
		next.StatusMessage = *p.StatusMessage
	}
	if p.ErrorMessage != nil {
		next.ErrorMessage = *p.ErrorMessage
	}
	if len(p.ResultJSON) > 0 {
		next.ResultJSON = append([]byte(nil), p.ResultJSON...)
	}

	switch target {
	case StatusCompleted:
		next.ProgressPercent = 100
		next.CompletedAt = &now
	case StatusFailed:
		// A failed job never reads as complete.
		if next.ProgressPercent > 99 {
			next.ProgressPercent = 99
		}
		next.CompletedAt = &now
	}
	next.UpdatedAt = now
	return &next, nil
}

// Delete removes terminal history matching the filter and returns the number
// of rows deleted. A filter naming an active status is rejected before
// anything is touched.
func (s *Store) Delete(ctx context.Context, f DeleteFilter) (int, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = TerminalStatuses
	}
	for _, st := range statuses {
		if _, err := ParseStatus(string(st)); err != nil {
			return 0, err
		}
		if st.IsActive() {
			return 0, fmt.Errorf("%w: %s", ErrActiveStatus, st)
		}
	}

	where := "status IN (" + placeholders(len(statuses)) + ")"
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	if f.Before != nil {
		where += " AND COALESCE(completed_at, created_at) < ?"
		args = append(args, formatTime(*f.Before))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := selectIDs(ctx, tx, `SELECT id FROM jobs WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}

	if f.RemoveLogs && s.logs != nil {
		var errs []error
		for _, id := range ids {
			if err := s.logs.Remove(id); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return len(ids), fmt.Errorf("remove job logs: %w", errors.Join(errs...))
		}
	}
	return len(ids), nil
}

// FailActive force-fails every job in an active status in one transaction and
// returns the affected ids. Progress is clamped to 99. Calling it again with
// no new active jobs affects nothing.
func (s *Store) FailActive(ctx context.Context, message string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(ActiveStatuses))
	for _, st := range ActiveStatuses {
		args = append(args, string(st))
	}
	in := placeholders(len(ActiveStatuses))

	ids, err := selectIDs(ctx, tx, `SELECT id FROM jobs WHERE status IN (`+in+`) ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := formatTime(s.now().UTC())
	updateArgs := append([]any{string(StatusFailed), message, now, now}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?,
		        progress_percent = MIN(progress_percent, 99)
		 WHERE status IN (`+in+`)`, updateArgs...); err != nil {
		return nil, fmt.Errorf("fail active jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}
	return ids, nil
}

// MaxAttempt returns the highest attempt number recorded for a retry chain.
func (s *Store) MaxAttempt(ctx context.Context, rootID string) (int, error) {
	var maxAttempt int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM jobs WHERE id = ? OR original_job_id = ?`,
		rootID, rootID).Scan(&maxAttempt)
	if err != nil {
		return 0, fmt.Errorf("max attempt: %w", err)
	}
	return maxAttempt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                             Job
		taskType, status              string
		bookASIN, payload, resultJSON sql.NullString
		originalJobID, completedAt    sql.NullString
		createdAt, updatedAt          string
	)
	if err := r.Scan(&j.ID, &taskType, &status, &bookASIN, &payload, &j.ProgressPercent,
		&j.StatusMessage, &j.ErrorMessage, &resultJSON, &j.Attempt, &originalJobID,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	j.TaskType = TaskType(taskType)
	j.Status = Status(status)
	if bookASIN.Valid {
		v := bookASIN.String
		j.BookASIN = &v
	}
	if payload.Valid && payload.String != "" {
		j.Payload = []byte(payload.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.ResultJSON = []byte(resultJSON.String)
	}
	if originalJobID.Valid {
		v := originalJobID.String
		j.OriginalJobID = &v
	}

	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		j.CompletedAt = &t
	}
	return &j, nil
}

func selectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select job ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older builds may use RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
