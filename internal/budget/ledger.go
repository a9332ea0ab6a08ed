package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Ledger tracks USD spend per task against a global cap. All mutation goes
// through a single mutex so the running total always equals the sum of
// per-task rows.
type Ledger struct {
	db       *sql.DB
	capUSD   float64
	pausePct float64

	mu  sync.Mutex
	now func() time.Time
}

// Snapshot is a point-in-time view of the ledger for status reporting.
type Snapshot struct {
	CapUSD    float64            `json:"cap_usd"`
	SpentUSD  float64            `json:"spent_usd"`
	PausePct  float64            `json:"pause_pct"`
	Exhausted bool               `json:"exhausted"`
	ByTask    map[string]float64 `json:"by_task"`
}

// NewLedger creates a ledger with a spend cap in USD. pausePct is the
// percentage of the cap at which PastThreshold starts reporting true. A cap
// of zero means unmetered.
func NewLedger(db *sql.DB, capUSD, pausePct float64) *Ledger {
	return &Ledger{db: db, capUSD: capUSD, pausePct: pausePct, now: time.Now}
}

// Charge adds amount to the task's spend and returns the new global total.
// Charges are never rejected, even past the cap: the round that incurred the
// cost already happened, so the ledger records it and the caller decides what
// to do about the overshoot.
func (l *Ledger) Charge(ctx context.Context, taskID string, amountUSD float64) (float64, error) {
	if taskID == "" {
		return 0, fmt.Errorf("task id is required")
	}
	if amountUSD < 0 {
		return 0, fmt.Errorf("amount must be non-negative, got %f", amountUSD)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger (task_id, spent_usd, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET spent_usd = spent_usd + excluded.spent_usd, updated_at = excluded.updated_at
	`, taskID, amountUSD, l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("charge task %s: %w", taskID, err)
	}
	return l.totalLocked(ctx)
}

// Refund subtracts amount from a task's recorded spend. A task's spend never
// goes below zero, so refunding more than was charged clamps at zero. Returns
// the new global total.
func (l *Ledger) Refund(ctx context.Context, taskID string, amountUSD float64) (float64, error) {
	if taskID == "" {
		return 0, fmt.Errorf("task id is required")
	}
	if amountUSD < 0 {
		return 0, fmt.Errorf("amount must be non-negative, got %f", amountUSD)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		UPDATE ledger SET spent_usd = MAX(0, spent_usd - ?), updated_at = ? WHERE task_id = ?
	`, amountUSD, l.now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return 0, fmt.Errorf("refund task %s: %w", taskID, err)
	}
	return l.totalLocked(ctx)
}

// SpentTotal returns the global spend across all tasks.
func (l *Ledger) SpentTotal(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLocked(ctx)
}

// SpentByTask returns the spend recorded for one task.
func (l *Ledger) SpentByTask(ctx context.Context, taskID string) (float64, error) {
	var spent float64
	err := l.db.QueryRowContext(ctx, `SELECT spent_usd FROM ledger WHERE task_id = ?`, taskID).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spend for task %s: %w", taskID, err)
	}
	return spent, nil
}

// Exhausted reports whether global spend has reached the cap.
func (l *Ledger) Exhausted(ctx context.Context) (bool, error) {
	if l.capUSD <= 0 {
		return false, nil
	}
	total, err := l.SpentTotal(ctx)
	if err != nil {
		return false, err
	}
	return total >= l.capUSD, nil
}

// PastThreshold reports whether global spend has crossed the pause
// percentage of the cap.
func (l *Ledger) PastThreshold(ctx context.Context) (bool, error) {
	if l.capUSD <= 0 {
		return false, nil
	}
	total, err := l.SpentTotal(ctx)
	if err != nil {
		return false, err
	}
	return total >= l.capUSD*l.pausePct/100, nil
}

// CapUSD returns the configured spend cap. Zero means unmetered.
func (l *Ledger) CapUSD() float64 {
	return l.capUSD
}

// Snapshot returns the cap, total and per-task breakdown.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `SELECT task_id, spent_usd FROM ledger ORDER BY task_id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot ledger: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{CapUSD: l.capUSD, PausePct: l.pausePct, ByTask: map[string]float64{}}
	for rows.Next() {
		var taskID string
		var spent float64
		if err := rows.Scan(&taskID, &spent); err != nil {
			return Snapshot{}, fmt.Errorf("scan ledger row: %w", err)
		}
		snap.ByTask[taskID] = spent
		snap.SpentUSD += spent
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate ledger: %w", err)
	}
	snap.Exhausted = l.capUSD > 0 && snap.SpentUSD >= l.capUSD
	return snap, nil
}

func (l *Ledger) totalLocked(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, `SELECT SUM(spent_usd) FROM ledger`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total.Float64, nil
}
