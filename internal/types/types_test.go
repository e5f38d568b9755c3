package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestGoal_Remaining(t *testing.T) {
	goal := Goal{
		TargetAmount: decimal.NewFromInt(1000),
		SavedAmount:  decimal.NewFromInt(300),
	}
	if got := goal.Remaining(); !got.Equal(decimal.NewFromInt(700)) {
		t.Errorf("expected 700, got %s", got)
	}

	// Overfunded goals floor at zero rather than going negative.
	goal.SavedAmount = decimal.NewFromInt(1200)
	if got := goal.Remaining(); !got.Equal(decimal.Zero) {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestGoal_Satisfied(t *testing.T) {
	goal := Goal{
		TargetAmount: decimal.NewFromInt(100),
		SavedAmount:  decimal.RequireFromString("99.995"),
	}
	if !goal.Satisfied() {
		t.Error("expected goal within cent tolerance to be satisfied")
	}

	goal.SavedAmount = decimal.RequireFromString("99.9")
	if goal.Satisfied() {
		t.Error("expected goal 0.10 short to be unsatisfied")
	}
}

func TestMonthlyPlan_EffectiveAmount(t *testing.T) {
	required := decimal.NewFromInt(250)
	custom := decimal.NewFromInt(100)

	plan := MonthlyPlan{RequiredMonthly: required, FlexState: FlexFlexible}
	if got := plan.EffectiveAmount(); !got.Equal(required) {
		t.Errorf("expected required amount %s, got %s", required, got)
	}

	plan.CustomAmount = &custom
	if got := plan.EffectiveAmount(); !got.Equal(custom) {
		t.Errorf("expected custom amount %s, got %s", custom, got)
	}

	plan.FlexState = FlexSkipped
	if got := plan.EffectiveAmount(); !got.Equal(decimal.Zero) {
		t.Errorf("expected zero for skipped plan, got %s", got)
	}
}

func TestRateKey(t *testing.T) {
	if got := RateKey("EUR", "USD"); got != "EUR->USD" {
		t.Errorf("expected EUR->USD, got %s", got)
	}
}
