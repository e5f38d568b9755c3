package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 style currency code (e.g. "USD", "EUR").
type Currency string

// GoalStatus represents the lifecycle state of a savings goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalFinished  GoalStatus = "finished"
	GoalCancelled GoalStatus = "cancelled"
	GoalDeleted   GoalStatus = "deleted"
)

// FlexState governs whether bulk adjustment may alter a plan's amount.
type FlexState string

const (
	FlexFlexible  FlexState = "flexible"
	FlexProtected FlexState = "protected"
	FlexSkipped   FlexState = "skipped"
)

// PlanState is the monthly plan state machine: draft -> executing -> completed.
type PlanState string

const (
	PlanDraft     PlanState = "draft"
	PlanExecuting PlanState = "executing"
	PlanCompleted PlanState = "completed"
)

// RecordStatus is the execution record state machine: draft -> executing -> closed.
type RecordStatus string

const (
	RecordDraft     RecordStatus = "draft"
	RecordExecuting RecordStatus = "executing"
	RecordClosed    RecordStatus = "closed"
)

// EventKind classifies contribution events.
type EventKind string

const (
	// EventDeposit is a dated deposit delta against an (asset, goal) pair.
	EventDeposit EventKind = "deposit"
	// EventReallocation is a delta caused by moving an allocation between goals.
	EventReallocation EventKind = "reallocation"
	// EventBaseline marks the allocation amount at tracking start. Baselines
	// are reference points only and contribute no delta to replay totals.
	EventBaseline EventKind = "baseline"
)

// Monetary tolerance policy. These are the only two tolerances in the module:
// CentTolerance decides when a goal counts as satisfied in its working
// currency; MicroTolerance is used for raw allocation-amount comparisons.
var (
	CentTolerance  = decimal.New(1, -2) // 0.01
	MicroTolerance = decimal.New(1, -7) // 1e-7
)

// Goal is a savings target with currency, amount, and deadline.
// SavedAmount is derived from the goal's allocations at load time.
type Goal struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Currency     Currency        `json:"currency"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	SavedAmount  decimal.Decimal `json:"saved_amount"`
	Deadline     time.Time       `json:"deadline"`
	StartDate    time.Time       `json:"start_date"`
	Status       GoalStatus      `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Remaining returns the unfunded amount in the goal's currency, floored at zero.
func (g Goal) Remaining() decimal.Decimal {
	rem := g.TargetAmount.Sub(g.SavedAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Satisfied reports whether the goal's remaining amount is within CentTolerance.
func (g Goal) Satisfied() bool {
	return g.Remaining().LessThanOrEqual(CentTolerance)
}

// Asset is a funding source whose balance derives from its deposit events.
type Asset struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Currency  Currency        `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Allocation is a directional claim of a fixed amount of an asset's balance
// toward a goal. Overcommitted is derived at load: the claim may transiently
// exceed the asset's current balance because balances fluctuate with price
// and are reconciled asynchronously. It is a flag, not an error.
type Allocation struct {
	ID            string          `json:"id"`
	AssetID       string          `json:"asset_id"`
	GoalID        string          `json:"goal_id"`
	Amount        decimal.Decimal `json:"amount"`
	Overcommitted bool            `json:"overcommitted"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MonthlyPlan is the computed, user-overridable required contribution for one
// goal in one period. Exactly one plan exists per (goal, period).
type MonthlyPlan struct {
	ID              string           `json:"id"`
	GoalID          string           `json:"goal_id"`
	PeriodLabel     string           `json:"period_label"`
	RequiredMonthly decimal.Decimal  `json:"required_monthly"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	MonthsRemaining int              `json:"months_remaining"`
	FlexState       FlexState        `json:"flex_state"`
	CustomAmount    *decimal.Decimal `json:"custom_amount,omitempty"`
	State           PlanState        `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// EffectiveAmount returns the amount the plan asks for this period: zero for
// skipped plans, the custom override when set, otherwise the required amount.
func (p MonthlyPlan) EffectiveAmount() decimal.Decimal {
	if p.FlexState == FlexSkipped {
		return decimal.Zero
	}
	if p.CustomAmount != nil {
		return *p.CustomAmount
	}
	return p.RequiredMonthly
}

// Snapshot is an immutable capture of planned amounts (goal currency, keyed
// by goal id) taken when tracking starts.
type Snapshot struct {
	TakenAt time.Time                  `json:"taken_at"`
	Planned map[string]decimal.Decimal `json:"planned"`
}

// EventContribution is one replayed event's contribution to a goal, already
// converted to the goal's currency.
type EventContribution struct {
	EventID string          `json:"event_id"`
	GoalID  string          `json:"goal_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// CompletedExecution is the immutable capture of realized contributions and
// the exchange rates used, taken when a period closes. Once persisted it is
// never recomputed.
type CompletedExecution struct {
	CompletedAt   time.Time                  `json:"completed_at"`
	Rates         map[string]decimal.Decimal `json:"rates"`
	Contributions []EventContribution        `json:"contributions"`
	Totals        map[string]decimal.Decimal `json:"totals"`
	Approximate   bool                       `json:"approximate"`
}

// RateKey is the map key for a frozen (from, to) exchange rate.
func RateKey(from, to Currency) string {
	return string(from) + "->" + string(to)
}

// ExecutionRecord is the tracking lifecycle object for one period across all
// tracked goals. At most one non-deleted record exists per period label.
type ExecutionRecord struct {
	ID           string              `json:"id"`
	PeriodLabel  string              `json:"period_label"`
	Status       RecordStatus        `json:"status"`
	GoalIDs      []string            `json:"goal_ids"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CanUndoUntil *time.Time          `json:"can_undo_until,omitempty"`
	Snapshot     *Snapshot           `json:"snapshot,omitempty"`
	Completed    *CompletedExecution `json:"completed,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	DeletedAt    *time.Time          `json:"deleted_at,omitempty"`
}

// ContributionEvent is a dated delta against one (asset, goal) pair. The
// event log is append-only and is the source of truth for what was actually
// contributed. Amount is in the asset's currency.
type ContributionEvent struct {
	ID         string          `json:"id"`
	AssetID    string          `json:"asset_id"`
	GoalID     string          `json:"goal_id"`
	Kind       EventKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}
