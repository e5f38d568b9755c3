package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// PlannedContribution is one goal's allocation within a payment period.
type PlannedContribution struct {
	GoalID string          `json:"goal_id"`
	Amount decimal.Decimal `json:"amount"`
}

// Payment is one scheduled period in which at least one allocation occurred.
type Payment struct {
	PeriodDate    time.Time             `json:"period_date"`
	PeriodNumber  int                   `json:"period_number"`
	Contributions []PlannedContribution `json:"contributions"`
}

// Schedule is a generated payment schedule. Truncated is set when the safety
// cap was hit before every goal was satisfied; the schedule is then partial.
type Schedule struct {
	Payments    []Payment `json:"payments"`
	Truncated   bool      `json:"truncated"`
	Approximate bool      `json:"approximate"`
	GeneratedAt time.Time `json:"generated_at"`
}

type cacheEntry struct {
	schedule *Schedule
	expires  time.Time
}

// GenerateSchedule produces a greedy earliest-deadline-first schedule for the
// given budget. Each period allocates min(remaining budget, remaining for
// goal) to goals in deadline order, skipping goals whose deadline has passed
// or whose remaining balance is within tolerance of zero.
//
// Generation is pure given (goal set, budget, currency) and may be invoked
// repeatedly by a reactive caller, so the last result is cached with a short
// expiry. Callers must treat the returned schedule as read-only.
func (s *Scheduler) GenerateSchedule(ctx context.Context, goals []types.Goal, budget decimal.Decimal, displayCurrency types.Currency) *Schedule {
	key := scheduleKey(goals, budget, displayCurrency)
	now := s.Now()

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && now.Before(entry.expires) {
		s.mu.Unlock()
		return entry.schedule
	}
	s.mu.Unlock()

	schedule := s.generate(ctx, goals, budget, displayCurrency, now)

	s.mu.Lock()
	s.cache[key] = cacheEntry{schedule: schedule, expires: now.Add(s.cacheTTL)}
	s.mu.Unlock()

	return schedule
}

func (s *Scheduler) generate(ctx context.Context, goals []types.Goal, budget decimal.Decimal, displayCurrency types.Currency, now time.Time) *Schedule {
	memo := rates.NewMemo(s.gateway)
	active := activeByDeadline(goals)

	// Convert each goal's remaining balance once per call, not per period.
	remaining := make([]decimal.Decimal, len(active))
	for i, g := range active {
		remaining[i] = memo.Convert(ctx, g.Remaining(), g.Currency, displayCurrency)
	}

	schedule := &Schedule{GeneratedAt: now}
	date := types.NextPaymentDate(now, s.payDay)

	for period := 1; ; period++ {
		if allSatisfied(remaining) {
			break
		}
		if period > s.maxPeriods {
			schedule.Truncated = true
			slog.Warn("schedule generation hit safety cap, returning partial schedule",
				"component", "scheduler",
				"max_periods", s.maxPeriods,
				"budget", budget,
			)
			break
		}

		budgetLeft := budget
		var contributions []PlannedContribution
		for i, g := range active {
			if budgetLeft.LessThanOrEqual(types.MicroTolerance) {
				break
			}
			if remaining[i].LessThanOrEqual(types.CentTolerance) {
				continue
			}
			if date.After(g.Deadline) {
				continue // deadline passed, no further budget for this goal
			}

			alloc := decimal.Min(budgetLeft, remaining[i])
			contributions = append(contributions, PlannedContribution{GoalID: g.ID, Amount: alloc})
			remaining[i] = remaining[i].Sub(alloc)
			budgetLeft = budgetLeft.Sub(alloc)
		}

		if len(contributions) > 0 {
			schedule.Payments = append(schedule.Payments, Payment{
				PeriodDate:    date,
				PeriodNumber:  period,
				Contributions: contributions,
			})
		}

		date = types.AddPeriod(date, s.payDay)
	}

	schedule.Approximate = memo.Approximate()
	return schedule
}

func allSatisfied(remaining []decimal.Decimal) bool {
	for _, r := range remaining {
		if r.GreaterThan(types.CentTolerance) {
			return false
		}
	}
	return true
}

// scheduleKey builds the cache key from the goal-id set, budget, and
// currency: the full input of schedule generation.
func scheduleKey(goals []types.Goal, budget decimal.Decimal, displayCurrency types.Currency) string {
	ids := make([]string, 0, len(goals))
	for _, g := range goals {
		ids = append(ids, g.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",") + "|" + budget.String() + "|" + string(displayCurrency)
}
