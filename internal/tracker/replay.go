package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// Totals is the per-goal contribution result, in each goal's currency.
// Approximate is set when any conversion fell back to 1:1.
type Totals struct {
	ByGoal      map[string]decimal.Decimal `json:"by_goal"`
	Approximate bool                       `json:"approximate"`
}

// ContributionTotals reports how much was contributed to each tracked goal.
//
// For an executing record the total is never stored: it is recomputed by
// replaying every contribution event in [StartedAt, now]. Each event's delta
// is converted from asset currency to goal currency at the *current* rate:
// historical deposits are valued at present-day rates, not the rate in effect
// at deposit time.
//
// For a closed record only the frozen Completed Execution is read; events are
// never replayed again, so later ledger or rate changes cannot alter the
// result.
func (t *Tracker) ContributionTotals(ctx context.Context, record *types.ExecutionRecord) (*Totals, error) {
	switch record.Status {
	case types.RecordClosed:
		if record.Completed == nil {
			return nil, fmt.Errorf("closed record %s has no completed execution", record.ID)
		}
		return &Totals{ByGoal: record.Completed.Totals, Approximate: record.Completed.Approximate}, nil
	case types.RecordExecuting:
		result, err := t.replay(ctx, record, t.Now().UTC())
		if err != nil {
			return nil, err
		}
		return &Totals{ByGoal: result.totals, Approximate: result.approximate}, nil
	default:
		return &Totals{ByGoal: map[string]decimal.Decimal{}}, nil
	}
}

// MarkComplete closes an executing record. Events are replayed one final time
// up to the completion instant, fetching each distinct (from, to) rate at
// most once, and the per-event contributions plus the rates used are
// persisted as the immutable Completed Execution.
func (t *Tracker) MarkComplete(ctx context.Context, record *types.ExecutionRecord) error {
	if record.Status != types.RecordExecuting {
		return fmt.Errorf("complete %s record: %w", record.Status, ErrInvalidState)
	}

	now := t.Now().UTC()
	result, err := t.replay(ctx, record, now)
	if err != nil {
		return err
	}

	record.Status = types.RecordClosed
	record.Completed = &types.CompletedExecution{
		CompletedAt:   now,
		Rates:         result.rates,
		Contributions: result.contributions,
		Totals:        result.totals,
		Approximate:   result.approximate,
	}

	if err := withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.UpdateRecord(ctx, record)
	}); err != nil {
		return fmt.Errorf("persist completed execution: %w", err)
	}

	slog.Info("closed tracking period",
		"component", "tracker",
		"period", record.PeriodLabel,
		"events", len(result.contributions),
		"approximate", result.approximate,
	)
	return nil
}

// UndoCompletion reverts closed -> executing while the grace window is open.
// The frozen Completed Execution is discarded so a later MarkComplete
// recomputes fresh.
func (t *Tracker) UndoCompletion(ctx context.Context, record *types.ExecutionRecord) error {
	if record.Status != types.RecordClosed {
		return fmt.Errorf("undo completion of %s record: %w", record.Status, ErrInvalidState)
	}
	if err := t.checkGrace(record); err != nil {
		return err
	}

	record.Status = types.RecordExecuting
	record.Completed = nil
	return withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.UpdateRecord(ctx, record)
	})
}

// UndoStartTracking reverts executing -> draft while the grace window is
// open, clearing the start instant and snapshot.
func (t *Tracker) UndoStartTracking(ctx context.Context, record *types.ExecutionRecord) error {
	if record.Status != types.RecordExecuting {
		return fmt.Errorf("undo start of %s record: %w", record.Status, ErrInvalidState)
	}
	if err := t.checkGrace(record); err != nil {
		return err
	}

	record.Status = types.RecordDraft
	record.StartedAt = nil
	record.CanUndoUntil = nil
	record.Snapshot = nil
	return withSaveRetry(ctx, func(ctx context.Context) error {
		return t.store.UpdateRecord(ctx, record)
	})
}

func (t *Tracker) checkGrace(record *types.ExecutionRecord) error {
	if record.CanUndoUntil == nil || t.Now().UTC().After(*record.CanUndoUntil) {
		return ErrUndoExpired
	}
	return nil
}

type replayResult struct {
	contributions []types.EventContribution
	totals        map[string]decimal.Decimal
	rates         map[string]decimal.Decimal
	approximate   bool
}

// replay recomputes contributions by walking the event log in
// [record.StartedAt, until]. Baseline events mark reference points and
// contribute no delta. Events referencing goals or assets that no longer
// exist are filtered out: the ledger is eventually consistent relative to
// in-flight calculations.
func (t *Tracker) replay(ctx context.Context, record *types.ExecutionRecord, until time.Time) (*replayResult, error) {
	if record.StartedAt == nil {
		return nil, fmt.Errorf("record %s has no start instant: %w", record.ID, ErrInvalidState)
	}

	events, err := t.store.ListEventsInWindow(ctx, record.GoalIDs, *record.StartedAt, until)
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	goalCurrencies, err := t.goalCurrencies(ctx, record.GoalIDs)
	if err != nil {
		return nil, err
	}

	memo := rates.NewMemo(t.gateway)
	assetCurrencies := make(map[string]types.Currency)
	result := &replayResult{
		totals: make(map[string]decimal.Decimal, len(record.GoalIDs)),
	}

	for _, event := range events {
		if event.Kind == types.EventBaseline {
			continue
		}
		goalCurrency, ok := goalCurrencies[event.GoalID]
		if !ok {
			continue // goal gone mid-calculation
		}
		assetCurrency, ok := assetCurrencies[event.AssetID]
		if !ok {
			asset, err := t.store.GetAsset(ctx, event.AssetID)
			if errors.Is(err, store.ErrNotFound) {
				continue // orphaned asset reference
			}
			if err != nil {
				return nil, fmt.Errorf("load asset %s: %w", event.AssetID, err)
			}
			assetCurrency = asset.Currency
			assetCurrencies[event.AssetID] = assetCurrency
		}

		amount := memo.Convert(ctx, event.Amount, assetCurrency, goalCurrency)
		result.contributions = append(result.contributions, types.EventContribution{
			EventID: event.ID,
			GoalID:  event.GoalID,
			Amount:  amount,
		})
		result.totals[event.GoalID] = result.totals[event.GoalID].Add(amount)
	}

	result.rates = memo.Rates()
	result.approximate = memo.Approximate()
	return result, nil
}

// goalCurrencies resolves tracked goals to their currencies, silently
// dropping goals that have been deleted since tracking started.
func (t *Tracker) goalCurrencies(ctx context.Context, goalIDs []string) (map[string]types.Currency, error) {
	out := make(map[string]types.Currency, len(goalIDs))
	for _, id := range goalIDs {
		goal, err := t.store.GetGoal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load goal %s: %w", id, err)
		}
		out[id] = goal.Currency
	}
	return out, nil
}
