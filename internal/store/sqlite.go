package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftline/coffer/internal/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed ledger database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// ListGoals returns goals filtered by status (all goals when no status is
// given), with SavedAmount populated from current allocations.
func (s *SQLiteStore) ListGoals(ctx context.Context, statuses ...types.GoalStatus) ([]types.Goal, error) {
	query := `SELECT id, name, currency, target_amount, deadline, start_date, status, created_at, updated_at FROM goals`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY deadline ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []types.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *goal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.populateSavedAmounts(ctx, goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// GetGoal returns one goal with SavedAmount populated, or ErrNotFound.
func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*types.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, currency, target_amount, deadline, start_date, status, created_at, updated_at
		FROM goals WHERE id = ?
	`, id)

	goal, err := scanGoal(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	goals := []types.Goal{*goal}
	if err := s.populateSavedAmounts(ctx, goals); err != nil {
		return nil, err
	}
	return &goals[0], nil
}

// SaveGoal upserts a goal, assigning an ID and timestamps on first save.
func (s *SQLiteStore) SaveGoal(ctx context.Context, goal *types.Goal) error {
	now := time.Now().UTC()
	if goal.ID == "" {
		goal.ID = ulid.Make().String()
		goal.CreatedAt = now
	}
	goal.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, name, currency, target_amount, deadline, start_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			target_amount = excluded.target_amount,
			deadline = excluded.deadline,
			start_date = excluded.start_date,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, goal.ID, goal.Name, string(goal.Currency), goal.TargetAmount.String(),
		formatTime(goal.Deadline), formatTime(goal.StartDate), string(goal.Status),
		formatTime(goal.CreatedAt), formatTime(goal.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save goal: %w", err)
	}
	return nil
}

func scanGoal(scanner interface{ Scan(...any) error }) (*types.Goal, error) {
	var goal types.Goal
	var currency, target, deadline, startDate, status, createdAt, updatedAt string

	err := scanner.Scan(&goal.ID, &goal.Name, &currency, &target, &deadline, &startDate, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	goal.Currency = types.Currency(currency)
	goal.TargetAmount = parseDecimal(target)
	goal.Deadline = parseTime(deadline)
	goal.StartDate = parseTime(startDate)
	goal.Status = types.GoalStatus(status)
	goal.CreatedAt = parseTime(createdAt)
	goal.UpdatedAt = parseTime(updatedAt)
	return &goal, nil
}

// populateSavedAmounts sums each goal's allocation claims in Go so decimal
// precision survives (SQLite SUM over TEXT coerces to float).
func (s *SQLiteStore) populateSavedAmounts(ctx context.Context, goals []types.Goal) error {
	if len(goals) == 0 {
		return nil
	}
	ids := make([]string, len(goals))
	for i, g := range goals {
		ids[i] = g.ID
	}

	allocs, err := s.ListAllocationsForGoals(ctx, ids)
	if err != nil {
		return err
	}

	saved := make(map[string]decimal.Decimal, len(goals))
	for _, a := range allocs {
		saved[a.GoalID] = saved[a.GoalID].Add(a.Amount)
	}
	for i := range goals {
		goals[i].SavedAmount = saved[goals[i].ID]
	}
	return nil
}

// ListAssets returns all assets with balances derived from deposit events.
func (s *SQLiteStore) ListAssets(ctx context.Context) ([]types.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, currency, created_at, updated_at FROM assets ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []types.Asset
	for rows.Next() {
		var a types.Asset
		var currency, createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Name, &currency, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.Currency = types.Currency(currency)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range assets {
		balance, err := s.assetBalance(ctx, assets[i].ID)
		if err != nil {
			return nil, err
		}
		assets[i].Balance = balance
	}
	return assets, nil
}

// GetAsset returns one asset with its derived balance, or ErrNotFound.
func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*types.Asset, error) {
	var a types.Asset
	var currency, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, currency, created_at, updated_at FROM assets WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &currency, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Currency = types.Currency(currency)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)

	balance, err := s.assetBalance(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Balance = balance
	return &a, nil
}

// SaveAsset upserts an asset, assigning an ID and timestamps on first save.
func (s *SQLiteStore) SaveAsset(ctx context.Context, asset *types.Asset) error {
	now := time.Now().UTC()
	if asset.ID == "" {
		asset.ID = ulid.Make().String()
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, name, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`, asset.ID, asset.Name, string(asset.Currency), formatTime(asset.CreatedAt), formatTime(asset.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save asset: %w", err)
	}
	return nil
}

// assetBalance sums the asset's deposit events in Go for decimal precision.
func (s *SQLiteStore) assetBalance(ctx context.Context, assetID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM contribution_events WHERE asset_id = ? AND kind = ?`,
		assetID, string(types.EventDeposit))
	if err != nil {
		return decimal.Zero, fmt.Errorf("asset balance: %w", err)
	}
	defer rows.Close()

	balance := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(parseDecimal(amount))
	}
	return balance, rows.Err()
}

// ListAllocationsForGoals returns allocations for the given goals with the
// Overcommitted flag derived against current asset balances. Allocations
// whose asset no longer exists are filtered out: the ledger is eventually
// consistent and orphaned references are tolerated, not fatal.
func (s *SQLiteStore) ListAllocationsForGoals(ctx context.Context, goalIDs []string) ([]types.Allocation, error) {
	if len(goalIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(goalIDs))
	args := make([]any, len(goalIDs))
	for i, id := range goalIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_id, goal_id, amount, created_at, updated_at
		FROM allocations WHERE goal_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []types.Allocation
	for rows.Next() {
		var a types.Allocation
		var amount, createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.AssetID, &a.GoalID, &amount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.Amount = parseDecimal(amount)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		allocs = append(allocs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal)
	kept := allocs[:0]
	for _, a := range allocs {
		balance, ok := balances[a.AssetID]
		if !ok {
			asset, err := s.GetAsset(ctx, a.AssetID)
			if err == ErrNotFound {
				continue // orphaned reference, skip
			}
			if err != nil {
				return nil, err
			}
			balance = asset.Balance
			balances[a.AssetID] = balance
		}
		a.Overcommitted = a.Amount.Sub(balance).GreaterThan(types.MicroTolerance)
		kept = append(kept, a)
	}
	return kept, nil
}

// SaveAllocation upserts an allocation, assigning an ID and timestamps on
// first save.
func (s *SQLiteStore) SaveAllocation(ctx context.Context, alloc *types.Allocation) error {
	now := time.Now().UTC()
	if alloc.ID == "" {
		alloc.ID = ulid.Make().String()
		alloc.CreatedAt = now
	}
	alloc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (id, asset_id, goal_id, amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			asset_id = excluded.asset_id,
			goal_id = excluded.goal_id,
			amount = excluded.amount,
			updated_at = excluded.updated_at
	`, alloc.ID, alloc.AssetID, alloc.GoalID, alloc.Amount.String(),
		formatTime(alloc.CreatedAt), formatTime(alloc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	return nil
}

// ReleaseAllocationsForGoal frees every allocation claimed by a goal. This is
// the explicit cleanup routine invoked when a goal is cancelled, finished, or
// deleted.
func (s *SQLiteStore) ReleaseAllocationsForGoal(ctx context.Context, goalID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE goal_id = ?`, goalID)
	if err != nil {
		return 0, fmt.Errorf("release allocations for goal: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseAllocationsForAsset frees every claim against an asset.
func (s *SQLiteStore) ReleaseAllocationsForAsset(ctx context.Context, assetID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM allocations WHERE asset_id = ?`, assetID)
	if err != nil {
		return 0, fmt.Errorf("release allocations for asset: %w", err)
	}
	return res.RowsAffected()
}
