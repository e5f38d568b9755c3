package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testGoal(currency types.Currency, target int64, deadline time.Time) *types.Goal {
	return &types.Goal{
		Name:         "test goal",
		Currency:     currency,
		TargetAmount: decimal.NewFromInt(target),
		Deadline:     deadline,
		StartDate:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:       types.GoalActive,
	}
}

func TestStore_NewSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
}

func TestStore_SaveAndGetGoal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goal := testGoal("USD", 1000, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveGoal(ctx, goal); err != nil {
		t.Fatal(err)
	}
	if goal.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	got, err := s.GetGoal(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TargetAmount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected target 1000, got %s", got.TargetAmount)
	}
	if got.Currency != "USD" {
		t.Errorf("expected USD, got %s", got.Currency)
	}
	if !got.SavedAmount.Equal(decimal.Zero) {
		t.Errorf("expected zero saved amount, got %s", got.SavedAmount)
	}
}

func TestStore_GetGoal_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetGoal(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SavedAmountFromAllocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goal := testGoal("USD", 1000, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveGoal(ctx, goal); err != nil {
		t.Fatal(err)
	}
	asset := &types.Asset{Name: "savings", Currency: "USD"}
	if err := s.SaveAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}

	for _, amount := range []string{"100.50", "200.25"} {
		alloc := &types.Allocation{
			AssetID: asset.ID,
			GoalID:  goal.ID,
			Amount:  decimal.RequireFromString(amount),
		}
		if err := s.SaveAllocation(ctx, alloc); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetGoal(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("300.75"); !got.SavedAmount.Equal(want) {
		t.Errorf("expected saved amount %s, got %s", want, got.SavedAmount)
	}
}

func TestStore_AllocationOvercommittedFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goal := testGoal("USD", 1000, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveGoal(ctx, goal); err != nil {
		t.Fatal(err)
	}
	asset := &types.Asset{Name: "wallet", Currency: "USD"}
	if err := s.SaveAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}

	// Asset balance derives from deposit events: deposit 100, claim 150.
	err := s.AppendEvents(ctx, []types.ContributionEvent{{
		AssetID:    asset.ID,
		GoalID:     goal.ID,
		Kind:       types.EventDeposit,
		Amount:     decimal.NewFromInt(100),
		OccurredAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	alloc := &types.Allocation{AssetID: asset.ID, GoalID: goal.ID, Amount: decimal.NewFromInt(150)}
	if err := s.SaveAllocation(ctx, alloc); err != nil {
		t.Fatal(err)
	}

	allocs, err := s.ListAllocationsForGoals(ctx, []string{goal.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocs))
	}
	if !allocs[0].Overcommitted {
		t.Error("expected allocation exceeding asset balance to be flagged overcommitted")
	}
}

func TestStore_OrphanedAllocationFilteredOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goal := testGoal("USD", 1000, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveGoal(ctx, goal); err != nil {
		t.Fatal(err)
	}

	// Allocation referencing an asset that was never created.
	alloc := &types.Allocation{AssetID: "01GONE", GoalID: goal.ID, Amount: decimal.NewFromInt(10)}
	if err := s.SaveAllocation(ctx, alloc); err != nil {
		t.Fatal(err)
	}

	allocs, err := s.ListAllocationsForGoals(ctx, []string{goal.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 0 {
		t.Errorf("expected orphaned allocation to be filtered, got %d", len(allocs))
	}
}

func TestStore_ReleaseAllocations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	goal := testGoal("USD", 1000, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveGoal(ctx, goal); err != nil {
		t.Fatal(err)
	}
	asset := &types.Asset{Name: "wallet", Currency: "USD"}
	if err := s.SaveAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}
	alloc := &types.Allocation{AssetID: asset.ID, GoalID: goal.ID, Amount: decimal.NewFromInt(10)}
	if err := s.SaveAllocation(ctx, alloc); err != nil {
		t.Fatal(err)
	}

	freed, err := s.ReleaseAllocationsForGoal(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 1 {
		t.Errorf("expected 1 freed allocation, got %d", freed)
	}

	allocs, err := s.ListAllocationsForGoals(ctx, []string{goal.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 0 {
		t.Errorf("expected no allocations after release, got %d", len(allocs))
	}
}

func TestStore_InsertPlan_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plan := &types.MonthlyPlan{
		GoalID:          "goal-1",
		PeriodLabel:     "2026-02",
		RequiredMonthly: decimal.NewFromInt(500),
		RemainingAmount: decimal.NewFromInt(1000),
		MonthsRemaining: 2,
		FlexState:       types.FlexFlexible,
		State:           types.PlanDraft,
	}
	if err := s.InsertPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	dup := &types.MonthlyPlan{
		GoalID:          "goal-1",
		PeriodLabel:     "2026-02",
		RequiredMonthly: decimal.NewFromInt(500),
		RemainingAmount: decimal.NewFromInt(1000),
		MonthsRemaining: 2,
		FlexState:       types.FlexFlexible,
		State:           types.PlanDraft,
	}
	if err := s.InsertPlan(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestStore_PlanCustomAmountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	custom := decimal.RequireFromString("123.45")
	plan := &types.MonthlyPlan{
		GoalID:          "goal-1",
		PeriodLabel:     "2026-02",
		RequiredMonthly: decimal.NewFromInt(500),
		RemainingAmount: decimal.NewFromInt(1000),
		MonthsRemaining: 2,
		FlexState:       types.FlexProtected,
		CustomAmount:    &custom,
		State:           types.PlanDraft,
	}
	if err := s.InsertPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPlan(ctx, "goal-1", "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if got.CustomAmount == nil || !got.CustomAmount.Equal(custom) {
		t.Errorf("expected custom amount %s, got %v", custom, got.CustomAmount)
	}
	if got.FlexState != types.FlexProtected {
		t.Errorf("expected protected flex state, got %s", got.FlexState)
	}
}

func TestStore_SavePlans_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plan := &types.MonthlyPlan{
		GoalID:          "goal-1",
		PeriodLabel:     "2026-02",
		RequiredMonthly: decimal.NewFromInt(500),
		RemainingAmount: decimal.NewFromInt(1000),
		MonthsRemaining: 2,
		FlexState:       types.FlexFlexible,
		State:           types.PlanDraft,
	}
	if err := s.InsertPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	// Second plan in the batch does not exist; the whole batch must fail and
	// the first plan stay unchanged.
	changed := *plan
	changed.RequiredMonthly = decimal.NewFromInt(999)
	ghost := changed
	ghost.ID = "01GHOST"

	err := s.SavePlans(ctx, []types.MonthlyPlan{changed, ghost})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.GetPlan(ctx, "goal-1", "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if !got.RequiredMonthly.Equal(decimal.NewFromInt(500)) {
		t.Errorf("expected required 500 after aborted batch, got %s", got.RequiredMonthly)
	}
}

func TestStore_ActiveRecordUniquePerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &types.ExecutionRecord{PeriodLabel: "2026-02", Status: types.RecordDraft}
	if err := s.InsertRecord(ctx, record); err != nil {
		t.Fatal(err)
	}

	dup := &types.ExecutionRecord{PeriodLabel: "2026-02", Status: types.RecordDraft}
	if err := s.InsertRecord(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// Soft-deleting the first record frees the period.
	now := time.Now().UTC()
	record.DeletedAt = &now
	if err := s.UpdateRecord(ctx, record); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRecord(ctx, dup); err != nil {
		t.Errorf("expected insert after soft delete to succeed, got %v", err)
	}
}

func TestStore_RecordSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	undo := started.Add(24 * time.Hour)
	record := &types.ExecutionRecord{
		PeriodLabel:  "2026-02",
		Status:       types.RecordExecuting,
		GoalIDs:      []string{"goal-1", "goal-2"},
		StartedAt:    &started,
		CanUndoUntil: &undo,
		Snapshot: &types.Snapshot{
			TakenAt: started,
			Planned: map[string]decimal.Decimal{
				"goal-1": decimal.NewFromInt(500),
				"goal-2": decimal.RequireFromString("250.50"),
			},
		},
	}
	if err := s.InsertRecord(ctx, record); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetActiveRecord(ctx, "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if got.Snapshot == nil {
		t.Fatal("expected snapshot to round-trip")
	}
	if !got.Snapshot.Planned["goal-2"].Equal(decimal.RequireFromString("250.50")) {
		t.Errorf("expected planned 250.50, got %s", got.Snapshot.Planned["goal-2"])
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected started at %v, got %v", started, got.StartedAt)
	}
	if len(got.GoalIDs) != 2 {
		t.Errorf("expected 2 goal ids, got %d", len(got.GoalIDs))
	}
}

func TestStore_ListEventsInWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	events := []types.ContributionEvent{
		{AssetID: "a", GoalID: "g1", Kind: types.EventDeposit, Amount: decimal.NewFromInt(10), OccurredAt: base.Add(-time.Hour)},
		{AssetID: "a", GoalID: "g1", Kind: types.EventDeposit, Amount: decimal.NewFromInt(20), OccurredAt: base},
		{AssetID: "a", GoalID: "g1", Kind: types.EventDeposit, Amount: decimal.NewFromInt(30), OccurredAt: base.Add(time.Hour)},
		{AssetID: "a", GoalID: "g2", Kind: types.EventDeposit, Amount: decimal.NewFromInt(40), OccurredAt: base},
		{AssetID: "a", GoalID: "g1", Kind: types.EventDeposit, Amount: decimal.NewFromInt(50), OccurredAt: base.Add(3 * time.Hour)},
	}
	if err := s.AppendEvents(ctx, events); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEventsInWindow(ctx, []string{"g1"}, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events in window, got %d", len(got))
	}
	if !got[0].Amount.Equal(decimal.NewFromInt(20)) || !got[1].Amount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("unexpected window contents: %s, %s", got[0].Amount, got[1].Amount)
	}
}
