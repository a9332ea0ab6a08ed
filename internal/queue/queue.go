package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/assmoddevv/ouroboros/internal/idgen"
	"github.com/assmoddevv/ouroboros/internal/schema"
	"github.com/oklog/ulid/v2"
)

// ErrWaitTimeout is returned by WaitForTask when the task does not settle
// within the caller's deadline.
var ErrWaitTimeout = errors.New("timed out waiting for task to settle")

// ErrNotFound is returned when a task ID resolves to nothing.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is the sentinel every StatusTransitionError wraps, so
// callers can match with errors.Is without caring about the endpoints.
var ErrInvalidTransition = errors.New("invalid status transition")

// StatusTransitionError reports a status change the transition table
// forbids, e.g. cancelling an already-succeeded task.
type StatusTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error { return ErrInvalidTransition }

// Queue is the sqlite-backed priority queue with parent/child decomposition.
// Claims, cancellation cascades, and parent parking all run in transactions
// so concurrent claimers never double-dispatch a task.
type Queue struct {
	db  *sql.DB
	now func() time.Time
	id  func(kind string) string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides task ID generation, for tests.
func WithIDGenerator(gen func(kind string) string) Option {
	return func(q *Queue) { q.id = gen }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:  db,
		now: time.Now,
	}
	q.id = func(kind string) string { return idgen.TaskID(db, kind) }
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates the spec and inserts a pending task. If ParentID is set
// the parent must exist and must not be terminal.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (Task, error) {
	kind := strings.TrimSpace(spec.Kind)
	if kind == "" {
		return Task{}, fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(spec.Instruction) == "" {
		return Task{}, fmt.Errorf("instruction is required")
	}
	priority := spec.Priority
	if priority == "" {
		priority = schema.PriorityNormal
	}

	if spec.ParentID != "" {
		parent, err := q.Get(ctx, spec.ParentID)
		if err != nil {
			return Task{}, fmt.Errorf("parent %s: %w", spec.ParentID, err)
		}
		if parent.Status.Terminal() {
			return Task{}, fmt.Errorf("parent %s is %s, cannot add children", parent.ID, parent.Status)
		}
	}

	now := q.now().UTC()
	task := Task{
		ID:          q.id(kind),
		Kind:        kind,
		Priority:    priority,
		Status:      StatusPending,
		Instruction: spec.Instruction,
		Payload:     spec.Payload,
		ParentID:    spec.ParentID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deadline:    spec.Deadline,
	}

	payloadJSON, err := encodeJSON(task.Payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode payload: %w", err)
	}
	err = execWithRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO tasks (id, kind, priority, status, instruction, payload, parent_id, generation, attempts, created_at, updated_at, deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
		`, task.ID, task.Kind, task.Priority.Rank(), string(task.Status), task.Instruction, payloadJSON,
			nullString(task.ParentID), formatTime(now), formatTime(now), formatTimePtr(task.Deadline))
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// DequeueNext claims the next runnable pending task: highest priority tier
// first, oldest first within a tier. A child is runnable only while its
// parent is running or parked on children. With skipSelfInitiated set,
// self-initiated kinds stay queued; the dispatcher uses that while intake is
// paused or spend is past the budget threshold. The claim flips the task to
// running inside a transaction, so two concurrent claimers never get the
// same task.
func (q *Queue) DequeueNext(ctx context.Context, skipSelfInitiated bool) (Task, bool, error) {
	var claimed Task
	var found bool
	err := execWithRetry(ctx, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		query := `
			SELECT ` + prefixedTaskColumns("t") + `
			FROM tasks t
			LEFT JOIN tasks p ON p.id = t.parent_id
			WHERE t.status = ?
			  AND (t.parent_id IS NULL OR p.status IN (?, ?))
		`
		args := []any{string(StatusPending), string(StatusRunning), string(StatusBlockedOnChildren)}
		if skipSelfInitiated {
			query += ` AND t.kind NOT IN (?, ?)`
			args = append(args, schema.TaskKindSelf, schema.TaskKindEvolve)
		}
		query += ` ORDER BY t.priority ASC, t.created_at ASC LIMIT 1`
		row := tx.QueryRowContext(ctx, query, args...)
		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			found = false
			return tx.Commit()
		}
		if err != nil {
			return err
		}

		now := formatTime(q.now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?
		`, string(StatusRunning), now, task.ID, string(StatusPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			found = false
			return tx.Commit()
		}
		task.Status = StatusRunning
		task.Attempts++
		claimed = task
		found = true
		return tx.Commit()
	})
	if err != nil {
		return Task{}, false, fmt.Errorf("dequeue: %w", err)
	}
	return claimed, found, nil
}

// Get returns one task by ID.
func (q *Queue) Get(ctx context.Context, id string) (Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// List returns tasks matching the filter, newest first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.ParentID != "" {
		conds = append(conds, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY created_at DESC LIMIT ?`, taskColumns, where)
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// Succeed completes a task. A parent with live children is parked in
// blocked_on_children instead, carrying the success as its pending outcome
// until the last child settles.
func (q *Queue) Succeed(ctx context.Context, id, result string) (Task, error) {
	return q.settle(ctx, id, StatusSucceeded, result, "")
}

// Fail marks a task failed with an error message, with the same parking
// behavior as Succeed.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) (Task, error) {
	return q.settle(ctx, id, StatusFailed, "", errMsg)
}

// TimeOut marks a task timed out. Timeouts do not park: a task that blew its
// deadline settles immediately and its live children are cancelled.
func (q *Queue) TimeOut(ctx context.Context, id, reason string) (Task, error) {
	return q.forceSettle(ctx, id, StatusTimedOut, reason)
}

// ExhaustBudget marks a task stopped because the global spend cap was hit.
func (q *Queue) ExhaustBudget(ctx context.Context, id, reason string) (Task, error) {
	return q.forceSettle(ctx, id, StatusBudgetExceeded, reason)
}

// ExceedRoundLimit marks a task stopped because its reasoning loop hit the
// round ceiling without producing an outcome.
func (q *Queue) ExceedRoundLimit(ctx context.Context, id, reason string) (Task, error) {
	return q.forceSettle(ctx, id, StatusRoundLimit, reason)
}

// Cancel cancels a task and cascades through all of its live descendants.
// It returns the IDs actually cancelled, the requested task first.
func (q *Queue) Cancel(ctx context.Context, id, reason string) ([]string, error) {
	var cancelled []string
	err := execWithRetry(ctx, func() error {
		cancelled = cancelled[:0]
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		visited := map[string]bool{}
		if err := q.cancelTree(ctx, tx, id, reason, visited, &cancelled); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (q *Queue) cancelTree(ctx context.Context, tx *sql.Tx, id, reason string, visited map[string]bool, out *[]string) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	var statusStr string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&statusStr)
	if err == sql.ErrNoRows {
		if len(visited) == 1 {
			return ErrNotFound
		}
		return nil
	}
	if err != nil {
		return err
	}
	status := Status(statusStr)
	if status.Terminal() {
		if len(visited) == 1 {
			return &StatusTransitionError{TaskID: id, From: status, To: StatusCancelled}
		}
	} else {
		now := formatTime(q.now().UTC())
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, pending_status = NULL, updated_at = ? WHERE id = ?
		`, string(StatusCancelled), reason, now, id); err != nil {
			return err
		}
		*out = append(*out, id)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id = ?`, id)
	if err != nil {
		return err
	}
	var children []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			rows.Close()
			return err
		}
		children = append(children, childID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, childID := range children {
		if err := q.cancelTree(ctx, tx, childID, reason, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// Requeue returns a running task to pending so a fresh worker generation can
// pick it up. Used by crash recovery and respawn.
func (q *Queue) Requeue(ctx context.Context, id string) (Task, error) {
	return q.transition(ctx, id, StatusPending, func(t *Task) {
		t.Result = ""
		t.Error = ""
	})
}

// Recover requeues every task stuck in running at startup. Tasks that have
// already burned maxAttempts claims are failed instead of requeued. It
// returns the requeued and failed IDs.
func (q *Queue) Recover(ctx context.Context, maxAttempts int) (requeued, failed []string, err error) {
	stuck, err := q.List(ctx, ListFilter{Status: StatusRunning, Limit: 1000})
	if err != nil {
		return nil, nil, err
	}
	for _, task := range stuck {
		if task.Attempts > maxAttempts {
			if _, err := q.Fail(ctx, task.ID, fmt.Sprintf("abandoned after %d interrupted attempts", task.Attempts)); err != nil {
				return requeued, failed, err
			}
			failed = append(failed, task.ID)
			continue
		}
		if _, err := q.Requeue(ctx, task.ID); err != nil {
			return requeued, failed, err
		}
		requeued = append(requeued, task.ID)
	}
	return requeued, failed, nil
}

// ExpireDeadlines times out every non-terminal task whose deadline has
// passed and returns them. Children of an expired task are cancelled by the
// forced settle.
func (q *Queue) ExpireDeadlines(ctx context.Context) ([]Task, error) {
	now := q.now().UTC()
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE deadline IS NOT NULL AND deadline < ? AND status IN (?, ?, ?)
	`, formatTime(now), string(StatusPending), string(StatusRunning), string(StatusBlockedOnChildren))
	if err != nil {
		return nil, fmt.Errorf("find expired tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []Task
	for _, id := range ids {
		task, err := q.TimeOut(ctx, id, "deadline exceeded")
		if err != nil {
			var transitionErr *StatusTransitionError
			if errors.As(err, &transitionErr) {
				continue
			}
			return expired, err
		}
		expired = append(expired, task)
	}
	return expired, nil
}

// WaitForTask blocks until the task reaches a terminal status or the
// timeout elapses, returning ErrWaitTimeout in the latter case.
func (q *Queue) WaitForTask(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	deadline := q.now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := q.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if q.now().After(deadline) {
			return task, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// NextGeneration bumps the task's worker generation counter and returns the
// new value. Each spawn gets its own generation so stale workers can be told
// apart from the current one.
func (q *Queue) NextGeneration(ctx context.Context, id string) (int, error) {
	var generation int
	err := execWithRetry(ctx, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		err = tx.QueryRowContext(ctx, `SELECT generation FROM tasks WHERE id = ?`, id).Scan(&generation)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		generation++
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET generation = ?, updated_at = ? WHERE id = ?`,
			generation, formatTime(q.now().UTC()), id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("bump generation for %s: %w", id, err)
	}
	return generation, nil
}

// RecordUpdate appends a progress record for a task.
func (q *Queue) RecordUpdate(ctx context.Context, taskID, kind string, payload map[string]any) (Update, error) {
	if _, err := q.Get(ctx, taskID); err != nil {
		return Update{}, err
	}
	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return Update{}, fmt.Errorf("encode payload: %w", err)
	}
	update := Update{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}
	err = execWithRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO task_updates (id, task_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)
		`, update.ID, update.TaskID, update.Kind, payloadJSON, formatTime(update.CreatedAt))
		return err
	})
	if err != nil {
		return Update{}, fmt.Errorf("insert update: %w", err)
	}
	return update, nil
}

// ListUpdates returns a task's progress records, oldest first.
func (q *Queue) ListUpdates(ctx context.Context, taskID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, kind, payload, created_at FROM task_updates
		WHERE task_id = ? ORDER BY created_at ASC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&u.ID, &u.TaskID, &u.Kind, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.Payload = decodeJSONMap(payloadStr.String)
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

// settle applies a success or failure outcome. If the task has live children
// it is parked in blocked_on_children with the outcome stored as pending;
// FinalizeParent applies it once the subtree settles.
func (q *Queue) settle(ctx context.Context, id string, outcome Status, result, errMsg string) (Task, error) {
	var settled Task
	err := execWithRetry(ctx, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		target := outcome
		var pending any
		if task.Status != StatusBlockedOnChildren {
			liveChildren, err := countLiveChildren(ctx, tx, id)
			if err != nil {
				return err
			}
			if liveChildren > 0 {
				target = StatusBlockedOnChildren
				pending = string(outcome)
			}
		}
		if !canTransition(task.Status, target) {
			return &StatusTransitionError{TaskID: id, From: task.Status, To: target}
		}

		now := q.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error = ?, pending_status = ?, updated_at = ? WHERE id = ?
		`, string(target), nullString(result), nullString(errMsg), pending, formatTime(now), id); err != nil {
			return err
		}
		task.Status = target
		task.Result = result
		task.Error = errMsg
		if pending != nil {
			task.PendingStatus = outcome
		} else {
			task.PendingStatus = ""
		}
		task.UpdatedAt = now
		settled = task
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return settled, nil
}

// forceSettle applies a terminal outcome regardless of live children, then
// cancels the children. Used for timeouts, budget exhaustion and the round
// ceiling.
func (q *Queue) forceSettle(ctx context.Context, id string, outcome Status, reason string) (Task, error) {
	task, err := q.transition(ctx, id, outcome, func(t *Task) {
		t.Error = reason
		t.PendingStatus = ""
	})
	if err != nil {
		return Task{}, err
	}
	children, err := q.List(ctx, ListFilter{ParentID: id, Limit: 1000})
	if err != nil {
		return task, err
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if _, err := q.Cancel(ctx, child.ID, fmt.Sprintf("parent %s: %s", id, outcome)); err != nil {
			return task, err
		}
	}
	return task, nil
}

// FinalizeParent settles a parked parent whose children have all reached
// terminal status, applying the stored pending outcome. It returns the
// parent and true if it settled, or false if the parent is not ready.
func (q *Queue) FinalizeParent(ctx context.Context, parentID string) (Task, bool, error) {
	var finalized Task
	var done bool
	err := execWithRetry(ctx, func() error {
		done = false
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, parentID)
		parent, err := scanTask(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if parent.Status != StatusBlockedOnChildren || parent.PendingStatus == "" {
			return tx.Commit()
		}
		live, err := countLiveChildren(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if live > 0 {
			return tx.Commit()
		}
		if !canTransition(parent.Status, parent.PendingStatus) {
			return &StatusTransitionError{TaskID: parentID, From: parent.Status, To: parent.PendingStatus}
		}
		now := q.now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, pending_status = NULL, updated_at = ? WHERE id = ?
		`, string(parent.PendingStatus), formatTime(now), parentID); err != nil {
			return err
		}
		parent.Status = parent.PendingStatus
		parent.PendingStatus = ""
		parent.UpdatedAt = now
		finalized = parent
		done = true
		return tx.Commit()
	})
	if err != nil {
		return Task{}, false, err
	}
	return finalized, done, nil
}

func (q *Queue) transition(ctx context.Context, id string, to Status, mutate func(*Task)) (Task, error) {
	var updated Task
	err := execWithRetry(ctx, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !canTransition(task.Status, to) {
			return &StatusTransitionError{TaskID: id, From: task.Status, To: to}
		}
		task.Status = to
		if mutate != nil {
			mutate(&task)
		}
		task.UpdatedAt = q.now().UTC()
		var pending any
		if task.PendingStatus != "" {
			pending = string(task.PendingStatus)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, error = ?, pending_status = ?, updated_at = ? WHERE id = ?
		`, string(task.Status), nullString(task.Result), nullString(task.Error), pending, formatTime(task.UpdatedAt), id); err != nil {
			return err
		}
		updated = task
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

func countLiveChildren(ctx context.Context, tx *sql.Tx, parentID string) (int, error) {
	var live int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE parent_id = ? AND status NOT IN (?, ?, ?, ?, ?, ?)
	`, parentID,
		string(StatusSucceeded), string(StatusFailed), string(StatusTimedOut),
		string(StatusCancelled), string(StatusBudgetExceeded), string(StatusRoundLimit)).Scan(&live)
	return live, err
}

const taskColumns = `id, kind, priority, status, instruction, payload, parent_id, generation, attempts, created_at, updated_at, deadline, result, error, pending_status`

// prefixedTaskColumns qualifies every task column with a table alias, for
// queries that join tasks against itself.
func prefixedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ", ")
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var rank int
	var statusStr, createdAtStr, updatedAtStr string
	var payloadStr, parentID, deadlineStr, result, errMsg, pendingStr sql.NullString
	err := row.Scan(&task.ID, &task.Kind, &rank, &statusStr, &task.Instruction, &payloadStr, &parentID,
		&task.Generation, &task.Attempts, &createdAtStr, &updatedAtStr, &deadlineStr, &result, &errMsg, &pendingStr)
	if err != nil {
		return Task{}, err
	}
	task.Priority = schema.FromRank(rank)
	task.Status = Status(statusStr)
	task.Payload = decodeJSONMap(payloadStr.String)
	task.ParentID = parentID.String
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	if deadlineStr.Valid {
		if dl, err := time.Parse(time.RFC3339Nano, deadlineStr.String); err == nil {
			task.Deadline = &dl
		}
	}
	task.Result = result.String
	task.Error = errMsg.String
	task.PendingStatus = Status(pendingStr.String)
	return task, nil
}

// execWithRetry retries a closure a few times when sqlite reports the
// database is locked.
func execWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
