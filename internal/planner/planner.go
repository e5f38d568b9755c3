// Package planner owns the monthly plan lifecycle: idempotent plan creation
// for the current period, the draft → executing → completed state machine,
// and bulk flex adjustments.
//
// Plan creation and bulk adjustment observe-then-act against shared plan
// storage, so both funnel through one process-wide ordered serialization
// point. Everything else reads caller-supplied snapshots.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/types"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

var (
	// ErrValidation reports an invalid amount or malformed input; the
	// operation aborted with no partial writes.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState reports an illegal plan state transition.
	ErrInvalidState = errors.New("invalid plan state transition")
)

// Manager serializes plan creation and bulk adjustment for one plan store.
type Manager struct {
	store  store.Store
	payDay int

	// Now is the clock used for period math; tests override it.
	Now func() time.Time

	// mu is the process-wide ordered queue: every observe-then-act section
	// runs alone, in arrival order.
	mu sync.Mutex
}

// New creates a Manager over the given store.
func New(st store.Store, payDay int) *Manager {
	return &Manager{
		store:  st,
		payDay: payDay,
		Now:    time.Now,
	}
}

// GetOrCreatePlansForCurrentMonth returns this period's plan for every active
// goal, creating the missing ones. It is idempotent under arbitrary
// concurrent callers: N calls for the same goal set yield exactly one plan
// per (goal, period).
//
// Inside the critical section existing plans are fetched first and only the
// missing (goal, period) pairs are created; each individual creation
// re-checks for an existing plan immediately before insert, and the store's
// unique index is the final backstop.
func (m *Manager) GetOrCreatePlansForCurrentMonth(ctx context.Context, goals []types.Goal) ([]types.MonthlyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	period := types.PeriodLabelFor(now)

	existing, err := m.store.ListPlansForPeriod(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("list plans for %s: %w", period, err)
	}
	byGoal := make(map[string]types.MonthlyPlan, len(existing))
	for _, p := range existing {
		byGoal[p.GoalID] = p
	}

	plans := make([]types.MonthlyPlan, 0, len(goals))
	for _, goal := range goals {
		if goal.Status != types.GoalActive {
			continue
		}
		if plan, ok := byGoal[goal.ID]; ok {
			plans = append(plans, plan)
			continue
		}
		plan, err := m.createPlan(ctx, goal, period, now)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, nil
}

// createPlan inserts the plan for (goal, period), tolerating a concurrent
// insert from outside this process by re-reading on conflict.
func (m *Manager) createPlan(ctx context.Context, goal types.Goal, period string, now time.Time) (*types.MonthlyPlan, error) {
	// Defense in depth: re-check immediately before insertion.
	if plan, err := m.store.GetPlan(ctx, goal.ID, period); err == nil {
		return plan, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check existing plan: %w", err)
	}

	months := types.PeriodsUntil(now, goal.Deadline, m.payDay)
	if months < 1 {
		months = 1
	}
	remaining := goal.Remaining()

	plan := &types.MonthlyPlan{
		GoalID:          goal.ID,
		PeriodLabel:     period,
		RequiredMonthly: remaining.Div(decimal.NewFromInt(int64(months))),
		RemainingAmount: remaining,
		MonthsRemaining: months,
		FlexState:       types.FlexFlexible,
		State:           types.PlanDraft,
	}

	err := withSaveRetry(ctx, func(ctx context.Context) error {
		return m.store.InsertPlan(ctx, plan)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost a race outside our queue (another process); the existing
		// plan wins.
		return m.store.GetPlan(ctx, goal.ID, period)
	}
	if err != nil {
		return nil, fmt.Errorf("create plan for goal %s: %w", goal.ID, err)
	}

	slog.Debug("created monthly plan",
		"component", "planner",
		"goal_id", goal.ID,
		"period", period,
		"required_monthly", plan.RequiredMonthly,
	)
	return plan, nil
}

// Recalculate refreshes a draft plan's required amount from the goal's
// current remaining balance, preserving the user's custom amount and flex
// state. Recalculating a non-draft plan is rejected.
func (m *Manager) Recalculate(ctx context.Context, plan *types.MonthlyPlan, goal types.Goal) error {
	if plan.State != types.PlanDraft {
		return fmt.Errorf("recalculate %s plan: %w", plan.State, ErrInvalidState)
	}

	now := m.Now()
	months := types.PeriodsUntil(now, goal.Deadline, m.payDay)
	if months < 1 {
		months = 1
	}
	remaining := goal.Remaining()

	plan.RequiredMonthly = remaining.Div(decimal.NewFromInt(int64(months)))
	plan.RemainingAmount = remaining
	plan.MonthsRemaining = months
	// CustomAmount and FlexState are user overrides; recalculation while
	// draft leaves them alone.

	return withSaveRetry(ctx, func(ctx context.Context) error {
		return m.store.UpdatePlan(ctx, plan)
	})
}

// MarkExecuting advances a draft plan to executing.
func (m *Manager) MarkExecuting(ctx context.Context, plan *types.MonthlyPlan) error {
	return m.advance(ctx, plan, types.PlanDraft, types.PlanExecuting)
}

// MarkCompleted advances an executing plan to completed.
func (m *Manager) MarkCompleted(ctx context.Context, plan *types.MonthlyPlan) error {
	return m.advance(ctx, plan, types.PlanExecuting, types.PlanCompleted)
}

// advance applies the one-directional plan state machine.
func (m *Manager) advance(ctx context.Context, plan *types.MonthlyPlan, from, to types.PlanState) error {
	if plan.State != from {
		return fmt.Errorf("plan %s: %s -> %s: %w", plan.ID, plan.State, to, ErrInvalidState)
	}
	plan.State = to
	return withSaveRetry(ctx, func(ctx context.Context) error {
		return m.store.UpdatePlan(ctx, plan)
	})
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
