package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Breaker pauses intake after a run of consecutive task failures. State is
// persisted so a restart resumes with the same pause decision.
type Breaker struct {
	db        *sql.DB
	threshold int

	mu  sync.Mutex
	now func() time.Time
}

// State is the persisted breaker row.
type State struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Paused              bool   `json:"paused"`
	LastTripReason      string `json:"last_trip_reason,omitempty"`
}

// New loads or creates the single breaker row. threshold is the number of
// consecutive failures that trips the breaker.
func New(ctx context.Context, db *sql.DB, threshold int) (*Breaker, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	b := &Breaker{db: db, threshold: threshold, now: time.Now}
	_, err := db.ExecContext(ctx, `
		INSERT INTO breaker (id, consecutive_failures, paused, updated_at) VALUES (1, 0, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("init breaker row: %w", err)
	}
	return b, nil
}

// Failure records a task failure. It returns true if this failure tripped
// the breaker, meaning the count just reached the threshold and intake is
// now paused. Failures past the trip keep counting but return false.
func (b *Breaker) Failure(ctx context.Context, reason string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	state.ConsecutiveFailures++
	tripped := false
	if state.ConsecutiveFailures == b.threshold && !state.Paused {
		state.Paused = true
		state.LastTripReason = reason
		tripped = true
	}
	if err := b.storeLocked(ctx, state); err != nil {
		return false, err
	}
	return tripped, nil
}

// Success resets the consecutive failure count. It does not resume a paused
// breaker: once tripped, an operator (or the emergency handler) resumes
// explicitly.
func (b *Breaker) Success(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.loadLocked(ctx)
	if err != nil {
		return err
	}
	state.ConsecutiveFailures = 0
	return b.storeLocked(ctx, state)
}

// Pause trips the breaker manually, recording the reason.
func (b *Breaker) Pause(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.loadLocked(ctx)
	if err != nil {
		return err
	}
	state.Paused = true
	state.LastTripReason = reason
	return b.storeLocked(ctx, state)
}

// Resume clears the pause and the failure count.
func (b *Breaker) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, err := b.loadLocked(ctx)
	if err != nil {
		return err
	}
	state.Paused = false
	state.ConsecutiveFailures = 0
	return b.storeLocked(ctx, state)
}

// Paused reports whether intake is currently paused.
func (b *Breaker) Paused(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, err := b.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

// Snapshot returns the current breaker state for status reporting.
func (b *Breaker) Snapshot(ctx context.Context) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

func (b *Breaker) loadLocked(ctx context.Context) (State, error) {
	var state State
	var reason sql.NullString
	err := b.db.QueryRowContext(ctx, `SELECT consecutive_failures, paused, last_trip_reason FROM breaker WHERE id = 1`).
		Scan(&state.ConsecutiveFailures, &state.Paused, &reason)
	if err != nil {
		return State{}, fmt.Errorf("load breaker: %w", err)
	}
	state.LastTripReason = reason.String
	return state, nil
}

func (b *Breaker) storeLocked(ctx context.Context, state State) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE breaker SET consecutive_failures = ?, paused = ?, last_trip_reason = ?, updated_at = ? WHERE id = 1
	`, state.ConsecutiveFailures, state.Paused, nullString(state.LastTripReason), b.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store breaker: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
