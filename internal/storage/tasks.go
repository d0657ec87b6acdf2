package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Enrichment tasks ---

// InsertEnrichmentTask adds t unless a task for the same (record, type) pair
// already exists. It reports whether a row was created. Missing ID and
// CreatedAt are filled in; Retries is taken as given.
func (s *Store) InsertEnrichmentTask(ctx context.Context, t EnrichmentTask) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_tasks (id, record_id, task_type, retries, last_attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id, task_type) DO NOTHING`,
		t.ID, t.RecordID, string(t.TaskType), t.Retries, formatNullTime(t.LastAttempt), formatTime(t.CreatedAt),
	)
	if err != nil {
		return false, unavailable("insert enrichment task", err)
	}
	return inserted(res, "insert enrichment task")
}

// ListEnrichmentTasks returns every queued enrichment task, oldest first.
func (s *Store) ListEnrichmentTasks(ctx context.Context) ([]EnrichmentTask, error) {
	return s.queryEnrichmentTasks(ctx, `
		SELECT id, record_id, task_type, retries, last_attempt, created_at
		FROM enrichment_tasks ORDER BY created_at ASC, rowid ASC`)
}

// EnrichmentTasksForRecord returns the tasks queued for recordID. An empty
// taskType matches every capability.
func (s *Store) EnrichmentTasksForRecord(ctx context.Context, recordID string, taskType TaskType) ([]EnrichmentTask, error) {
	if taskType == "" {
		return s.queryEnrichmentTasks(ctx, `
			SELECT id, record_id, task_type, retries, last_attempt, created_at
			FROM enrichment_tasks WHERE record_id = ? ORDER BY created_at ASC`, recordID)
	}
	return s.queryEnrichmentTasks(ctx, `
		SELECT id, record_id, task_type, retries, last_attempt, created_at
		FROM enrichment_tasks WHERE record_id = ? AND task_type = ?`, recordID, string(taskType))
}

// DeleteEnrichmentTask removes a task. Deleting a missing task is not an error.
func (s *Store) DeleteEnrichmentTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_tasks WHERE id = ?`, id)
	return unavailable("delete enrichment task", err)
}

// RequeueEnrichmentTask replaces t with a fresh task carrying retries+1 and
// the given attempt time. The replacement gets a new id. If t is no longer
// queued, nothing is inserted and ErrNotFound is returned.
func (s *Store) RequeueEnrichmentTask(ctx context.Context, t EnrichmentTask, attempted time.Time) (EnrichmentTask, error) {
	next := EnrichmentTask{
		ID:          uuid.New().String(),
		RecordID:    t.RecordID,
		TaskType:    t.TaskType,
		Retries:     t.Retries + 1,
		LastAttempt: attempted,
		CreatedAt:   t.CreatedAt,
	}
	err := s.replace(ctx, "requeue enrichment task",
		`DELETE FROM enrichment_tasks WHERE id = ?`, t.ID,
		`INSERT INTO enrichment_tasks (id, record_id, task_type, retries, last_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		next.ID, next.RecordID, string(next.TaskType), next.Retries, formatNullTime(next.LastAttempt), formatTime(next.CreatedAt),
	)
	if err != nil {
		return EnrichmentTask{}, err
	}
	return next, nil
}

func (s *Store) queryEnrichmentTasks(ctx context.Context, query string, args ...any) ([]EnrichmentTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list enrichment tasks", err)
	}
	defer rows.Close()

	var tasks []EnrichmentTask
	for rows.Next() {
		var t EnrichmentTask
		var taskType, createdAt string
		var lastAttempt sql.NullString
		if err := rows.Scan(&t.ID, &t.RecordID, &taskType, &t.Retries, &lastAttempt, &createdAt); err != nil {
			return nil, unavailable("list enrichment tasks", err)
		}
		t.TaskType = TaskType(taskType)
		if t.LastAttempt, err = parseNullTime(lastAttempt); err != nil {
			return nil, fmt.Errorf("parsing last_attempt for task %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, unavailable("list enrichment tasks", rows.Err())
}

// --- Sync tasks ---

// InsertSyncTask adds t unless the record already has a queued sync task.
// It reports whether a row was created.
func (s *Store) InsertSyncTask(ctx context.Context, t SyncTask) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_tasks (id, record_id, retries, last_attempt, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING`,
		t.ID, t.RecordID, t.Retries, formatNullTime(t.LastAttempt), formatTime(t.CreatedAt),
	)
	if err != nil {
		return false, unavailable("insert sync task", err)
	}
	return inserted(res, "insert sync task")
}

// ListSyncTasks returns every queued sync task, oldest first.
func (s *Store) ListSyncTasks(ctx context.Context) ([]SyncTask, error) {
	return s.querySyncTasks(ctx, `
		SELECT id, record_id, retries, last_attempt, created_at
		FROM sync_tasks ORDER BY created_at ASC, rowid ASC`)
}

// SyncTaskForRecord returns the sync task queued for recordID, or ErrNotFound.
func (s *Store) SyncTaskForRecord(ctx context.Context, recordID string) (SyncTask, error) {
	tasks, err := s.querySyncTasks(ctx, `
		SELECT id, record_id, retries, last_attempt, created_at
		FROM sync_tasks WHERE record_id = ?`, recordID)
	if err != nil {
		return SyncTask{}, err
	}
	if len(tasks) == 0 {
		return SyncTask{}, ErrNotFound
	}
	return tasks[0], nil
}

// DeleteSyncTask removes a task. Deleting a missing task is not an error.
func (s *Store) DeleteSyncTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ?`, id)
	return unavailable("delete sync task", err)
}

// RequeueSyncTask replaces t with a fresh task carrying retries+1.
func (s *Store) RequeueSyncTask(ctx context.Context, t SyncTask, attempted time.Time) (SyncTask, error) {
	next := SyncTask{
		ID:          uuid.New().String(),
		RecordID:    t.RecordID,
		Retries:     t.Retries + 1,
		LastAttempt: attempted,
		CreatedAt:   t.CreatedAt,
	}
	err := s.replace(ctx, "requeue sync task",
		`DELETE FROM sync_tasks WHERE id = ?`, t.ID,
		`INSERT INTO sync_tasks (id, record_id, retries, last_attempt, created_at) VALUES (?, ?, ?, ?, ?)`,
		next.ID, next.RecordID, next.Retries, formatNullTime(next.LastAttempt), formatTime(next.CreatedAt),
	)
	if err != nil {
		return SyncTask{}, err
	}
	return next, nil
}

// CountSyncTasks returns the number of queued sync tasks.
func (s *Store) CountSyncTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_tasks`).Scan(&n)
	return n, unavailable("count sync tasks", err)
}

// CountEnrichmentTasks returns the number of queued enrichment tasks.
func (s *Store) CountEnrichmentTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_tasks`).Scan(&n)
	return n, unavailable("count enrichment tasks", err)
}

func (s *Store) querySyncTasks(ctx context.Context, query string, args ...any) ([]SyncTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list sync tasks", err)
	}
	defer rows.Close()

	var tasks []SyncTask
	for rows.Next() {
		var t SyncTask
		var createdAt string
		var lastAttempt sql.NullString
		if err := rows.Scan(&t.ID, &t.RecordID, &t.Retries, &lastAttempt, &createdAt); err != nil {
			return nil, unavailable("list sync tasks", err)
		}
		if t.LastAttempt, err = parseNullTime(lastAttempt); err != nil {
			return nil, fmt.Errorf("parsing last_attempt for task %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, unavailable("list sync tasks", rows.Err())
}

// replace runs a delete and an insert in one transaction. The insert only
// happens if the delete removed a row.
func (s *Store) replace(ctx context.Context, op, deleteQuery, id string, insertQuery string, insertArgs ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, deleteQuery, id)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return unavailable(op, err)
	}
	return unavailable(op, tx.Commit())
}

func inserted(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n > 0, nil
}
