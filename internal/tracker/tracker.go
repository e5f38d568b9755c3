// Package tracker runs the monthly execution-tracking lifecycle: it snapshots
// planned amounts when a period starts, replays dated contribution events for
// live progress, and freezes an immutable record when the period closes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/types"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidState reports an illegal execution record transition.
	ErrInvalidState = errors.New("invalid execution record state transition")
	// ErrUndoExpired reports an undo attempted after the grace window.
	ErrUndoExpired = errors.New("undo grace period expired")
)

// Tracker manages execution records for one ledger store.
type Tracker struct {
	store   store.Store
	gateway rates.Gateway
	grace   time.Duration

	// Now is the clock used for windows and grace gating; tests override it.
	Now func() time.Time
}

// New creates a Tracker. grace is how long undo transitions stay permitted
// after tracking starts.
func New(st store.Store, gateway rates.Gateway, grace time.Duration) *Tracker {
	return &Tracker{
		store:   st,
		gateway: gateway,
		grace:   grace,
		Now:     time.Now,
	}
}

// StartTracking begins (or refreshes) tracking for a period. An existing
// draft or executing record is refreshed in place with a fresh Snapshot of
// current plan amounts; goals added mid-period join the record instead of
// duplicating it. A closed record cannot be restarted.
//
// Starting also writes a dated baseline contribution event for every newly
// tracked (asset, goal) allocation, fixing the reference point replay
// measures from even if allocations are edited afterward.
func (t *Tracker) StartTracking(ctx context.Context, periodLabel string, plans []types.MonthlyPlan, goals []types.Goal) (*types.ExecutionRecord, error) {
	now := t.Now().UTC()

	// Only plans whose goal is still active are tracked; a goal cancelled
	// between planning and tracking silently drops out.
	active := make(map[string]bool, len(goals))
	for _, g := range goals {
		if g.Status == types.GoalActive {
			active[g.ID] = true
		}
	}
	tracked := make([]types.MonthlyPlan, 0, len(plans))
	for _, p := range plans {
		if active[p.GoalID] {
			tracked = append(tracked, p)
		}
	}

	snapshot := snapshotPlans(tracked, now)
	goalIDs := make([]string, 0, len(tracked))
	for _, p := range tracked {
		goalIDs = append(goalIDs, p.GoalID)
	}

	record, err := t.store.GetActiveRecord(ctx, periodLabel)
	switch {
	case err == nil:
		if record.Status == types.RecordClosed {
			return nil, fmt.Errorf("period %s already closed: %w", periodLabel, ErrInvalidState)
		}
		return t.refreshRecord(ctx, record, snapshot, goalIDs, now)
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return nil, fmt.Errorf("load execution record: %w", err)
	}

	undoUntil := now.Add(t.grace)
	record = &types.ExecutionRecord{
		PeriodLabel:  periodLabel,
		Status:       types.RecordExecuting,
		GoalIDs:      goalIDs,
		StartedAt:    &now,
		CanUndoUntil: &undoUntil,
		Snapshot:     snapshot,
	}
	if err := withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.InsertRecord(ctx, record)
	}); err != nil {
		return nil, fmt.Errorf("insert execution record: %w", err)
	}

	if err := t.writeBaselines(ctx, goalIDs, now); err != nil {
		return nil, err
	}

	slog.Info("started tracking period",
		"component", "tracker",
		"period", periodLabel,
		"goals", len(goalIDs),
	)
	return record, nil
}

// refreshRecord updates an existing record in place. A draft record
// transitions to executing with fresh start/undo instants; an executing
// record keeps them and only gains the fresh snapshot and any new goals.
func (t *Tracker) refreshRecord(ctx context.Context, record *types.ExecutionRecord, snapshot *types.Snapshot, goalIDs []string, now time.Time) (*types.ExecutionRecord, error) {
	previous := make(map[string]bool, len(record.GoalIDs))
	for _, id := range record.GoalIDs {
		previous[id] = true
	}
	var added []string
	for _, id := range goalIDs {
		if !previous[id] {
			added = append(added, id)
		}
	}

	record.Snapshot = snapshot
	record.GoalIDs = goalIDs
	if record.Status == types.RecordDraft {
		undoUntil := now.Add(t.grace)
		record.Status = types.RecordExecuting
		record.StartedAt = &now
		record.CanUndoUntil = &undoUntil
		added = goalIDs // everything is newly tracked
	}

	if err := withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.UpdateRecord(ctx, record)
	}); err != nil {
		return nil, fmt.Errorf("refresh execution record: %w", err)
	}

	if err := t.writeBaselines(ctx, added, now); err != nil {
		return nil, err
	}

	slog.Info("refreshed tracking period",
		"component", "tracker",
		"period", record.PeriodLabel,
		"goals", len(goalIDs),
		"added", len(added),
	)
	return record, nil
}

// writeBaselines appends a baseline event per (asset, goal) allocation of the
// given goals.
func (t *Tracker) writeBaselines(ctx context.Context, goalIDs []string, now time.Time) error {
	if len(goalIDs) == 0 {
		return nil
	}
	allocs, err := t.store.ListAllocationsForGoals(ctx, goalIDs)
	if err != nil {
		return fmt.Errorf("list allocations for baselines: %w", err)
	}

	events := make([]types.ContributionEvent, 0, len(allocs))
	for _, a := range allocs {
		events = append(events, types.ContributionEvent{
			AssetID:    a.AssetID,
			GoalID:     a.GoalID,
			Kind:       types.EventBaseline,
			Amount:     a.Amount,
			OccurredAt: now,
		})
	}

	if err := withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.AppendEvents(ctx, events)
	}); err != nil {
		return fmt.Errorf("write baseline events: %w", err)
	}
	return nil
}

// snapshotPlans captures each plan's effective amount (goal currency) keyed
// by goal id.
func snapshotPlans(plans []types.MonthlyPlan, now time.Time) *types.Snapshot {
	snap := &types.Snapshot{
		TakenAt: now,
		Planned: make(map[string]decimal.Decimal, len(plans)),
	}
	for _, p := range plans {
		snap.Planned[p.GoalID] = p.EffectiveAmount()
	}
	return snap
}

// withSaveRetry runs a store write under a short exponential backoff and
// surfaces the final error. Domain conflicts are not retried.
func withSaveRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}
