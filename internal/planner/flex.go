package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// ApplyBulkFlexAdjustment scales the custom amount of every flexible plan in
// the batch to requiredMonthly × pct, marks skipped goals' plans skipped, and
// leaves protected goals' amounts untouched. The batch is all-or-nothing: a
// non-draft plan or a non-positive resulting amount aborts the whole
// adjustment with no partial writes.
//
// Runs through the same serialization point as plan creation.
func (m *Manager) ApplyBulkFlexAdjustment(ctx context.Context, plans []types.MonthlyPlan, pct decimal.Decimal, protectedGoalIDs, skippedGoalIDs []string) ([]types.MonthlyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range plans {
		if p.State != types.PlanDraft {
			return nil, fmt.Errorf("plan %s is %s: %w", p.ID, p.State, ErrInvalidState)
		}
	}

	protected := toSet(protectedGoalIDs)
	skipped := toSet(skippedGoalIDs)

	updated := make([]types.MonthlyPlan, len(plans))
	copy(updated, plans)
	for i := range updated {
		switch {
		case skipped[updated[i].GoalID]:
			updated[i].FlexState = types.FlexSkipped
		case protected[updated[i].GoalID]:
			updated[i].FlexState = types.FlexProtected
		default:
			amount := updated[i].RequiredMonthly.Mul(pct)
			if amount.LessThanOrEqual(decimal.Zero) {
				return nil, fmt.Errorf("adjusted amount %s for goal %s is not positive: %w",
					amount, updated[i].GoalID, ErrValidation)
			}
			updated[i].FlexState = types.FlexFlexible
			updated[i].CustomAmount = &amount
		}
	}

	err := withSaveRetry(ctx, func(ctx context.Context) error {
		return m.store.SavePlans(ctx, updated)
	})
	if err != nil {
		return nil, fmt.Errorf("apply bulk flex adjustment: %w", err)
	}

	slog.Info("applied bulk flex adjustment",
		"component", "planner",
		"plans", len(updated),
		"pct", pct,
		"protected", len(protectedGoalIDs),
		"skipped", len(skippedGoalIDs),
	)
	return updated, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
