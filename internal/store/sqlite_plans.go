package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftline/coffer/internal/types"
	"github.com/oklog/ulid/v2"
)

// GetPlan returns the plan for (goal, period), or ErrNotFound.
func (s *SQLiteStore) GetPlan(ctx context.Context, goalID, periodLabel string) (*types.MonthlyPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal_id, period_label, required_monthly, remaining_amount, months_remaining,
		       flex_state, custom_amount, state, created_at, updated_at
		FROM monthly_plans WHERE goal_id = ? AND period_label = ?
	`, goalID, periodLabel)

	plan, err := scanPlan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return plan, nil
}

// ListPlansForPeriod returns every plan for a period label.
func (s *SQLiteStore) ListPlansForPeriod(ctx context.Context, periodLabel string) ([]types.MonthlyPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, period_label, required_monthly, remaining_amount, months_remaining,
		       flex_state, custom_amount, state, created_at, updated_at
		FROM monthly_plans WHERE period_label = ? ORDER BY created_at ASC
	`, periodLabel)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []types.MonthlyPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// InsertPlan creates a plan row, assigning an ID and timestamps. A concurrent
// or earlier insert for the same (goal, period) surfaces as ErrAlreadyExists;
// the unique index is the storage-level backstop for the one-plan invariant.
func (s *SQLiteStore) InsertPlan(ctx context.Context, plan *types.MonthlyPlan) error {
	now := time.Now().UTC()
	if plan.ID == "" {
		plan.ID = ulid.Make().String()
	}
	plan.CreatedAt = now
	plan.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monthly_plans (id, goal_id, period_label, required_monthly, remaining_amount,
			months_remaining, flex_state, custom_amount, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.GoalID, plan.PeriodLabel, plan.RequiredMonthly.String(), plan.RemainingAmount.String(),
		plan.MonthsRemaining, string(plan.FlexState), customAmountValue(plan), string(plan.State),
		formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("plan for goal %s period %s: %w", plan.GoalID, plan.PeriodLabel, ErrAlreadyExists)
		}
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// UpdatePlan rewrites an existing plan row.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *types.MonthlyPlan) error {
	plan.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE monthly_plans SET required_monthly = ?, remaining_amount = ?, months_remaining = ?,
			flex_state = ?, custom_amount = ?, state = ?, updated_at = ?
		WHERE id = ?
	`, plan.RequiredMonthly.String(), plan.RemainingAmount.String(), plan.MonthsRemaining,
		string(plan.FlexState), customAmountValue(plan), string(plan.State),
		formatTime(plan.UpdatedAt), plan.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePlans writes a batch of plan updates in one transaction. Either every
// plan is written or none is.
func (s *SQLiteStore) SavePlans(ctx context.Context, plans []types.MonthlyPlan) error {
	if len(plans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE monthly_plans SET required_monthly = ?, remaining_amount = ?, months_remaining = ?,
			flex_state = ?, custom_amount = ?, state = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range plans {
		plans[i].UpdatedAt = now
		res, err := stmt.ExecContext(ctx,
			plans[i].RequiredMonthly.String(), plans[i].RemainingAmount.String(), plans[i].MonthsRemaining,
			string(plans[i].FlexState), customAmountValue(&plans[i]), string(plans[i].State),
			formatTime(now), plans[i].ID)
		if err != nil {
			return fmt.Errorf("save plan %s: %w", plans[i].ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("save plan %s: %w", plans[i].ID, ErrNotFound)
		}
	}

	return tx.Commit()
}

func customAmountValue(plan *types.MonthlyPlan) sql.NullString {
	if plan.CustomAmount == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: plan.CustomAmount.String(), Valid: true}
}

func scanPlan(scanner interface{ Scan(...any) error }) (*types.MonthlyPlan, error) {
	var plan types.MonthlyPlan
	var required, remaining, flexState, state, createdAt, updatedAt string
	var custom sql.NullString

	err := scanner.Scan(&plan.ID, &plan.GoalID, &plan.PeriodLabel, &required, &remaining,
		&plan.MonthsRemaining, &flexState, &custom, &state, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	plan.RequiredMonthly = parseDecimal(required)
	plan.RemainingAmount = parseDecimal(remaining)
	plan.FlexState = types.FlexState(flexState)
	plan.State = types.PlanState(state)
	plan.CreatedAt = parseTime(createdAt)
	plan.UpdatedAt = parseTime(updatedAt)
	if custom.Valid {
		d := parseDecimal(custom.String)
		plan.CustomAmount = &d
	}
	return &plan, nil
}
