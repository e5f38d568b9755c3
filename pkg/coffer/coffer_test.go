package coffer

import (
	"context"
	"testing"
	"time"

	"github.com/driftline/coffer/internal/config"
	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return OpenWith(cfg, st, rates.NewStatic(nil))
}

func TestOpenWith_WiresComponents(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	if client.Scheduler == nil || client.Planner == nil || client.Tracker == nil {
		t.Fatal("expected all components wired")
	}
	if client.Store() == nil {
		t.Fatal("expected store accessor")
	}
	if client.DisplayCurrency() != "USD" {
		t.Errorf("expected default display currency USD, got %s", client.DisplayCurrency())
	}
}

func TestClient_EndToEndPlanningFlow(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()
	ctx := context.Background()

	goal := types.Goal{
		ID:           "goal-a",
		Name:         "emergency fund",
		Currency:     "USD",
		TargetAmount: decimal.NewFromInt(1200),
		Deadline:     time.Now().UTC().AddDate(0, 6, 0),
		Status:       types.GoalActive,
	}
	if err := client.Store().SaveGoal(ctx, &goal); err != nil {
		t.Fatal(err)
	}

	goals, err := client.Store().ListGoals(ctx, types.GoalActive)
	if err != nil {
		t.Fatal(err)
	}
	plans, err := client.Planner.GetOrCreatePlansForCurrentMonth(ctx, goals)
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}

	period := plans[0].PeriodLabel
	record, err := client.Tracker.StartTracking(ctx, period, plans, goals)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != types.RecordExecuting {
		t.Errorf("expected executing record, got %s", record.Status)
	}
	if err := client.Tracker.MarkComplete(ctx, record); err != nil {
		t.Fatal(err)
	}
	if record.Completed == nil {
		t.Error("expected frozen completed execution")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	client := newTestClient(t)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
}
