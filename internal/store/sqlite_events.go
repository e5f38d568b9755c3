package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/driftline/coffer/internal/types"
	"github.com/oklog/ulid/v2"
)

// AppendEvents writes contribution events to the append-only log in one
// transaction. Events are never updated or deleted.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []types.ContributionEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contribution_events (id, asset_id, goal_id, kind, amount, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		if events[i].ID == "" {
			events[i].ID = ulid.Make().String()
		}
		_, err := stmt.ExecContext(ctx, events[i].ID, events[i].AssetID, events[i].GoalID,
			string(events[i].Kind), events[i].Amount.String(), formatTime(events[i].OccurredAt))
		if err != nil {
			return fmt.Errorf("append event %s: %w", events[i].ID, err)
		}
	}

	return tx.Commit()
}

// ListEventsInWindow returns events for the given goals timestamped in
// [from, to], in occurrence order. RFC3339 UTC strings compare
// lexicographically, so the window filter runs in SQL.
func (s *SQLiteStore) ListEventsInWindow(ctx context.Context, goalIDs []string, from, to time.Time) ([]types.ContributionEvent, error) {
	if len(goalIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(goalIDs))
	args := make([]any, 0, len(goalIDs)+2)
	for i, id := range goalIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, formatTime(from), formatTime(to))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_id, goal_id, kind, amount, occurred_at
		FROM contribution_events
		WHERE goal_id IN (`+strings.Join(placeholders, ", ")+`)
		  AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []types.ContributionEvent
	for rows.Next() {
		var e types.ContributionEvent
		var kind, amount, occurredAt string
		if err := rows.Scan(&e.ID, &e.AssetID, &e.GoalID, &kind, &amount, &occurredAt); err != nil {
			return nil, err
		}
		e.Kind = types.EventKind(kind)
		e.Amount = parseDecimal(amount)
		e.OccurredAt = parseTime(occurredAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
