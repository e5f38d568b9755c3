package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

func startTrackedPeriod(t *testing.T, tr *Tracker, st *store.SQLiteStore) *types.ExecutionRecord {
	t.Helper()
	goals, err := st.ListGoals(context.Background(), types.GoalActive)
	if err != nil {
		t.Fatal(err)
	}
	record, err := tr.StartTracking(context.Background(), "2026-01",
		[]types.MonthlyPlan{draftPlan("goal-a", 500), draftPlan("goal-b", 150)}, goals)
	if err != nil {
		t.Fatal(err)
	}
	return record
}

func TestContributionTotals_ReplaysDepositsAtCurrentRates(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	// 50 EUR deposited toward goal-a (USD) at rate 2 -> 100 USD; a plain
	// 30 USD deposit toward goal-b.
	err := st.AppendEvents(ctx, []types.ContributionEvent{
		{AssetID: "asset-eur", GoalID: "goal-a", Kind: types.EventDeposit,
			Amount: decimal.NewFromInt(50), OccurredAt: fixedNow.Add(time.Hour)},
		{AssetID: "asset-usd", GoalID: "goal-b", Kind: types.EventDeposit,
			Amount: decimal.NewFromInt(30), OccurredAt: fixedNow.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.Now = func() time.Time { return fixedNow.Add(3 * time.Hour) }
	totals, err := tr.ContributionTotals(ctx, record)
	if err != nil {
		t.Fatal(err)
	}

	if got := totals.ByGoal["goal-a"]; !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 for goal-a, got %s", got)
	}
	if got := totals.ByGoal["goal-b"]; !got.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected 30 for goal-b, got %s", got)
	}
	if totals.Approximate {
		t.Error("expected exact totals with a known rate")
	}
}

func TestContributionTotals_BaselinesContributeNothing(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	// StartTracking wrote a 100 baseline for goal-a's allocation; with no
	// deposits the totals must stay empty.
	totals, err := tr.ContributionTotals(ctx, record)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := totals.ByGoal["goal-a"]; ok && !got.IsZero() {
		t.Errorf("expected no contribution from baselines, got %s", got)
	}
}

func TestContributionTotals_UnknownRateFallsBackApproximate(t *testing.T) {
	tr, st, table := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)
	delete(table, types.RateKey("EUR", "USD"))

	err := st.AppendEvents(ctx, []types.ContributionEvent{
		{AssetID: "asset-eur", GoalID: "goal-a", Kind: types.EventDeposit,
			Amount: decimal.NewFromInt(50), OccurredAt: fixedNow},
	})
	if err != nil {
		t.Fatal(err)
	}

	totals, err := tr.ContributionTotals(ctx, record)
	if err != nil {
		t.Fatal(err)
	}
	if got := totals.ByGoal["goal-a"]; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected 1:1 fallback of 50, got %s", got)
	}
	if !totals.Approximate {
		t.Error("expected approximate flag after rate fallback")
	}
}

func TestMarkComplete_FreezesRatesAndTotals(t *testing.T) {
	tr, st, table := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	err := st.AppendEvents(ctx, []types.ContributionEvent{
		{AssetID: "asset-eur", GoalID: "goal-a", Kind: types.EventDeposit,
			Amount: decimal.NewFromInt(50), OccurredAt: fixedNow},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.MarkComplete(ctx, record); err != nil {
		t.Fatal(err)
	}
	if record.Status != types.RecordClosed {
		t.Fatalf("expected closed, got %s", record.Status)
	}
	completed := record.Completed
	if completed == nil {
		t.Fatal("expected completed execution")
	}
	if !completed.Rates[types.RateKey("EUR", "USD")].Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected frozen rate 2, got %s", completed.Rates[types.RateKey("EUR", "USD")])
	}
	if len(completed.Contributions) != 1 {
		t.Fatalf("expected 1 contribution, got %d", len(completed.Contributions))
	}

	// Rate changes and new ledger entries after closing never alter the
	// frozen result.
	table[types.RateKey("EUR", "USD")] = decimal.NewFromInt(3)
	err = st.AppendEvents(ctx, []types.ContributionEvent{
		{AssetID: "asset-eur", GoalID: "goal-a", Kind: types.EventDeposit,
			Amount: decimal.NewFromInt(999), OccurredAt: fixedNow},
	})
	if err != nil {
		t.Fatal(err)
	}

	totals, err := tr.ContributionTotals(ctx, record)
	if err != nil {
		t.Fatal(err)
	}
	if got := totals.ByGoal["goal-a"]; !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected frozen total 100, got %s", got)
	}

	// The frozen result also round-trips through the store.
	reloaded, err := st.GetRecord(ctx, record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Completed == nil || !reloaded.Completed.Totals["goal-a"].Equal(decimal.NewFromInt(100)) {
		t.Error("expected persisted completed execution with total 100")
	}
}

func TestMarkComplete_RequiresExecuting(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	if err := tr.MarkComplete(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkComplete(ctx, record); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double completion, got %v", err)
	}
}

func TestUndoCompletion_RevertsOneStepWithinGrace(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	if err := tr.MarkComplete(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := tr.UndoCompletion(ctx, record); err != nil {
		t.Fatal(err)
	}

	if record.Status != types.RecordExecuting {
		t.Errorf("expected executing after undo, got %s", record.Status)
	}
	if record.Completed != nil {
		t.Error("expected frozen execution discarded")
	}
	// Exactly one step: the snapshot and start instant survive.
	if record.Snapshot == nil || record.StartedAt == nil {
		t.Error("expected snapshot and start instant to survive undo of completion")
	}
}

func TestUndoCompletion_ExpiredGraceRejected(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	if err := tr.MarkComplete(ctx, record); err != nil {
		t.Fatal(err)
	}

	tr.Now = func() time.Time { return fixedNow.Add(25 * time.Hour) }
	if err := tr.UndoCompletion(ctx, record); !errors.Is(err, ErrUndoExpired) {
		t.Fatalf("expected ErrUndoExpired, got %v", err)
	}
	if record.Status != types.RecordClosed {
		t.Errorf("expected record to stay closed, got %s", record.Status)
	}
	if record.Completed == nil {
		t.Error("expected frozen execution to survive a rejected undo")
	}
}

func TestUndoStartTracking_RevertsToDraft(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	record := startTrackedPeriod(t, tr, st)

	if err := tr.UndoStartTracking(ctx, record); err != nil {
		t.Fatal(err)
	}

	if record.Status != types.RecordDraft {
		t.Errorf("expected draft, got %s", record.Status)
	}
	if record.StartedAt != nil || record.CanUndoUntil != nil || record.Snapshot != nil {
		t.Error("expected start instant, undo deadline, and snapshot cleared")
	}

	// A closed record cannot skip back to draft.
	if err := tr.UndoStartTracking(ctx, record); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}
