package scheduler

import (
	"context"

	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// SuggestionKind classifies a feasibility remediation suggestion.
type SuggestionKind string

const (
	SuggestExtendDeadline SuggestionKind = "extend_deadline"
	SuggestReduceTarget   SuggestionKind = "reduce_target"
	SuggestRaiseBudget    SuggestionKind = "raise_budget"
)

// Suggestion is one remediation for an infeasible budget. Fields are
// populated per kind: Periods for extend_deadline, Amount for reduce_target
// (how much to cut the target by) and raise_budget (the budget to raise to).
type Suggestion struct {
	Kind    SuggestionKind  `json:"kind"`
	GoalID  string          `json:"goal_id,omitempty"`
	Periods int             `json:"periods,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// InfeasibleGoal identifies a goal the budget cannot satisfy by its deadline.
type InfeasibleGoal struct {
	GoalID          string          `json:"goal_id"`
	RequiredMonthly decimal.Decimal `json:"required_monthly"`
	Shortfall       decimal.Decimal `json:"shortfall"`
}

// Report is the outcome of a feasibility check.
type Report struct {
	Feasible        bool             `json:"feasible"`
	MinimumRequired decimal.Decimal  `json:"minimum_required"`
	Infeasible      []InfeasibleGoal `json:"infeasible"`
	Suggestions     []Suggestion     `json:"suggestions"`
	Approximate     bool             `json:"approximate"`
}

// CheckFeasibility walks active goals by deadline and reports every goal
// whose cumulative required monthly amount exceeds the budget. Remediation
// suggestions are synthesized for the first infeasible goal only (extend its
// deadline by the smallest sufficient number of periods, or reduce its
// target); a raise-budget suggestion is appended once if anything is
// infeasible.
func (s *Scheduler) CheckFeasibility(ctx context.Context, goals []types.Goal, budget decimal.Decimal, displayCurrency types.Currency) Report {
	memo := rates.NewMemo(s.gateway)
	now := s.Now()

	report := Report{Feasible: true}
	cumulative := decimal.Zero
	for _, g := range activeByDeadline(goals) {
		cumulative = cumulative.Add(memo.Convert(ctx, g.Remaining(), g.Currency, displayCurrency))
		months := s.periodsFor(now, g)
		required := cumulative.Div(decimal.NewFromInt(int64(months)))

		if required.GreaterThan(report.MinimumRequired) {
			report.MinimumRequired = required
		}
		if required.Sub(budget).LessThanOrEqual(types.MicroTolerance) {
			continue
		}

		shortfall := required.Sub(budget)
		first := len(report.Infeasible) == 0
		report.Infeasible = append(report.Infeasible, InfeasibleGoal{
			GoalID:          g.ID,
			RequiredMonthly: required,
			Shortfall:       shortfall,
		})
		if first {
			report.Suggestions = append(report.Suggestions, firstGoalSuggestions(g.ID, cumulative, budget, months, shortfall)...)
		}
	}

	if len(report.Infeasible) > 0 {
		report.Feasible = false
		report.Suggestions = append(report.Suggestions, Suggestion{
			Kind:   SuggestRaiseBudget,
			Amount: report.MinimumRequired,
		})
	}
	report.Approximate = memo.Approximate()
	return report
}

// firstGoalSuggestions synthesizes the per-goal remediations for the first
// infeasible goal: the smallest integer deadline extension that makes the
// budget sufficient, and a target reduction of shortfall × months.
func firstGoalSuggestions(goalID string, cumulative, budget decimal.Decimal, months int, shortfall decimal.Decimal) []Suggestion {
	var out []Suggestion

	if budget.GreaterThan(decimal.Zero) {
		// Need the smallest k with cumulative/(months+k) <= budget.
		needed := int(cumulative.Div(budget).Ceil().IntPart())
		if extra := needed - months; extra > 0 {
			out = append(out, Suggestion{
				Kind:    SuggestExtendDeadline,
				GoalID:  goalID,
				Periods: extra,
			})
		}
	}

	out = append(out, Suggestion{
		Kind:   SuggestReduceTarget,
		GoalID: goalID,
		Amount: shortfall.Mul(decimal.NewFromInt(int64(months))),
	})
	return out
}
