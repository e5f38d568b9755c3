package store

import (
	"context"
	"time"

	"github.com/driftline/coffer/internal/types"
)

// Store defines the interface contract for all ledger storage operations.
//
// Implementations return plain records keyed by identifier; relationship
// effects (freeing a cancelled goal's allocations, detaching a removed
// asset's claims) are explicit routines invoked by the caller, never implicit
// graph behavior.
type Store interface {
	// Goals. ListGoals and GetGoal populate SavedAmount from the goal's
	// current allocations.
	ListGoals(ctx context.Context, statuses ...types.GoalStatus) ([]types.Goal, error)
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	SaveGoal(ctx context.Context, goal *types.Goal) error

	// Assets. Balance is derived from the asset's deposit events.
	ListAssets(ctx context.Context) ([]types.Asset, error)
	GetAsset(ctx context.Context, id string) (*types.Asset, error)
	SaveAsset(ctx context.Context, asset *types.Asset) error

	// Allocations. Overcommitted is derived against the asset's current
	// balance at load. The Release routines are the explicit cascade used by
	// goal/asset lifecycle operations.
	ListAllocationsForGoals(ctx context.Context, goalIDs []string) ([]types.Allocation, error)
	SaveAllocation(ctx context.Context, alloc *types.Allocation) error
	ReleaseAllocationsForGoal(ctx context.Context, goalID string) (int64, error)
	ReleaseAllocationsForAsset(ctx context.Context, assetID string) (int64, error)

	// Monthly plans. InsertPlan fails with ErrAlreadyExists when a plan for
	// the same (goal, period) exists. SavePlans writes the batch in one
	// transaction, all-or-nothing.
	GetPlan(ctx context.Context, goalID, periodLabel string) (*types.MonthlyPlan, error)
	ListPlansForPeriod(ctx context.Context, periodLabel string) ([]types.MonthlyPlan, error)
	InsertPlan(ctx context.Context, plan *types.MonthlyPlan) error
	UpdatePlan(ctx context.Context, plan *types.MonthlyPlan) error
	SavePlans(ctx context.Context, plans []types.MonthlyPlan) error

	// Execution records. GetActiveRecord returns the single non-deleted
	// record for a period, or ErrNotFound.
	GetActiveRecord(ctx context.Context, periodLabel string) (*types.ExecutionRecord, error)
	GetRecord(ctx context.Context, id string) (*types.ExecutionRecord, error)
	InsertRecord(ctx context.Context, record *types.ExecutionRecord) error
	UpdateRecord(ctx context.Context, record *types.ExecutionRecord) error

	// Contribution events. The log is append-only.
	AppendEvents(ctx context.Context, events []types.ContributionEvent) error
	ListEventsInWindow(ctx context.Context, goalIDs []string, from, to time.Time) ([]types.ContributionEvent, error)

	Close() error
}
