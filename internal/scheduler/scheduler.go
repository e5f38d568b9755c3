// Package scheduler computes minimum feasible budgets, feasibility
// diagnostics, and period-by-period payment schedules for a fixed monthly
// contribution budget shared across competing goals.
//
// Every operation is a pure function over the caller-supplied goal snapshot
// and may run concurrently. Currency conversion is best-effort: a failed rate
// lookup falls back to 1:1 and flags the result approximate instead of
// failing the calculation.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// Scheduler computes budgets and schedules against a rate gateway.
type Scheduler struct {
	gateway    rates.Gateway
	payDay     int
	maxPeriods int
	cacheTTL   time.Duration

	// Now is the clock used for period math; tests override it.
	Now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Scheduler. payDay is the scheduled payment day of month,
// maxPeriods caps schedule generation, cacheTTL bounds schedule cache reuse.
func New(gateway rates.Gateway, payDay, maxPeriods int, cacheTTL time.Duration) *Scheduler {
	return &Scheduler{
		gateway:    gateway,
		payDay:     payDay,
		maxPeriods: maxPeriods,
		cacheTTL:   cacheTTL,
		Now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// MinimumBudget returns the smallest monthly budget (in displayCurrency) that
// can satisfy every active goal by its deadline, plus whether any conversion
// fell back to 1:1.
//
// Because later-deadline goals only receive budget after earlier ones are
// satisfied, the tightest near-term cumulative ratio is the binding
// constraint: walk goals by deadline ascending, accumulate remaining amounts,
// and take the maximum of cumulative/periods.
func (s *Scheduler) MinimumBudget(ctx context.Context, goals []types.Goal, displayCurrency types.Currency) (decimal.Decimal, bool) {
	memo := rates.NewMemo(s.gateway)
	now := s.Now()

	minimum := decimal.Zero
	cumulative := decimal.Zero
	for _, g := range activeByDeadline(goals) {
		cumulative = cumulative.Add(memo.Convert(ctx, g.Remaining(), g.Currency, displayCurrency))
		required := cumulative.Div(decimal.NewFromInt(int64(s.periodsFor(now, g))))
		if required.GreaterThan(minimum) {
			minimum = required
		}
	}
	return minimum, memo.Approximate()
}

// periodsFor returns the payment periods available to a goal, floored at 1 so
// an imminent or passed deadline never divides by zero.
func (s *Scheduler) periodsFor(now time.Time, g types.Goal) int {
	if p := types.PeriodsUntil(now, g.Deadline, s.payDay); p > 0 {
		return p
	}
	return 1
}

// activeByDeadline filters to active goals and sorts them deadline ascending.
// Only active goals participate in scheduling.
func activeByDeadline(goals []types.Goal) []types.Goal {
	out := make([]types.Goal, 0, len(goals))
	for _, g := range goals {
		if g.Status == types.GoalActive {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}
