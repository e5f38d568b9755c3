package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftline/coffer/internal/types"
	"github.com/oklog/ulid/v2"
)

// GetActiveRecord returns the single non-deleted execution record for a
// period, or ErrNotFound.
func (s *SQLiteStore) GetActiveRecord(ctx context.Context, periodLabel string) (*types.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, period_label, status, goal_ids, started_at, can_undo_until, snapshot, completed,
		       created_at, updated_at, deleted_at
		FROM execution_records WHERE period_label = ? AND deleted_at IS NULL
	`, periodLabel)

	record, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// GetRecord returns an execution record by id, or ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*types.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, period_label, status, goal_ids, started_at, can_undo_until, snapshot, completed,
		       created_at, updated_at, deleted_at
		FROM execution_records WHERE id = ?
	`, id)

	record, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// InsertRecord creates an execution record, assigning an ID and timestamps.
// The partial unique index on (period_label) WHERE deleted_at IS NULL backs
// the at-most-one-record-per-period invariant; a violation surfaces as
// ErrAlreadyExists.
func (s *SQLiteStore) InsertRecord(ctx context.Context, record *types.ExecutionRecord) error {
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	record.CreatedAt = now
	record.UpdatedAt = now

	goalIDs, snapshot, completed, err := recordBlobs(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, period_label, status, goal_ids, started_at, can_undo_until,
			snapshot, completed, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.PeriodLabel, string(record.Status), goalIDs,
		formatTimePtr(record.StartedAt), formatTimePtr(record.CanUndoUntil),
		snapshot, completed, formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
		formatTimePtr(record.DeletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution record for period %s: %w", record.PeriodLabel, ErrAlreadyExists)
		}
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// UpdateRecord rewrites an execution record, including its embedded snapshot
// and completed-execution blobs.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, record *types.ExecutionRecord) error {
	record.UpdatedAt = time.Now().UTC()

	goalIDs, snapshot, completed, err := recordBlobs(record)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET status = ?, goal_ids = ?, started_at = ?, can_undo_until = ?,
			snapshot = ?, completed = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`, string(record.Status), goalIDs, formatTimePtr(record.StartedAt), formatTimePtr(record.CanUndoUntil),
		snapshot, completed, formatTime(record.UpdatedAt), formatTimePtr(record.DeletedAt), record.ID)
	if err != nil {
		return fmt.Errorf("update execution record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func recordBlobs(record *types.ExecutionRecord) (goalIDs string, snapshot, completed sql.NullString, err error) {
	ids := record.GoalIDs
	if ids == nil {
		ids = []string{}
	}
	idsBytes, err := json.Marshal(ids)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal goal ids: %w", err)
	}
	goalIDs = string(idsBytes)

	if record.Snapshot != nil {
		b, err := json.Marshal(record.Snapshot)
		if err != nil {
			return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(b), Valid: true}
	}
	if record.Completed != nil {
		b, err := json.Marshal(record.Completed)
		if err != nil {
			return "", sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal completed execution: %w", err)
		}
		completed = sql.NullString{String: string(b), Valid: true}
	}
	return goalIDs, snapshot, completed, nil
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.ExecutionRecord, error) {
	var record types.ExecutionRecord
	var status, goalIDs, createdAt, updatedAt string
	var startedAt, canUndoUntil, snapshot, completed, deletedAt sql.NullString

	err := scanner.Scan(&record.ID, &record.PeriodLabel, &status, &goalIDs, &startedAt, &canUndoUntil,
		&snapshot, &completed, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	record.Status = types.RecordStatus(status)
	record.StartedAt = parseTimePtr(startedAt)
	record.CanUndoUntil = parseTimePtr(canUndoUntil)
	record.CreatedAt = parseTime(createdAt)
	record.UpdatedAt = parseTime(updatedAt)
	record.DeletedAt = parseTimePtr(deletedAt)

	if err := json.Unmarshal([]byte(goalIDs), &record.GoalIDs); err != nil {
		return nil, fmt.Errorf("parse goal ids: %w", err)
	}
	if snapshot.Valid {
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(snapshot.String), &snap); err != nil {
			return nil, fmt.Errorf("parse snapshot: %w", err)
		}
		record.Snapshot = &snap
	}
	if completed.Valid {
		var done types.CompletedExecution
		if err := json.Unmarshal([]byte(completed.String), &done); err != nil {
			return nil, fmt.Errorf("parse completed execution: %w", err)
		}
		record.Completed = &done
	}
	return &record, nil
}
