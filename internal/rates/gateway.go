package rates

import (
	"context"
	"errors"

	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// ErrRateUnavailable is returned when a conversion rate cannot be fetched.
// Callers recover locally: rate accuracy is best-effort infrastructure, not a
// correctness gate for scheduling.
var ErrRateUnavailable = errors.New("conversion rate unavailable")

// Gateway defines the interface contract for currency rate lookups.
type Gateway interface {
	Rate(ctx context.Context, from, to types.Currency) (decimal.Decimal, error)
}

// Static is a fixed-table Gateway used in tests and offline operation.
type Static struct {
	rates map[string]decimal.Decimal
}

// NewStatic creates a Static gateway from a map keyed by types.RateKey.
func NewStatic(table map[string]decimal.Decimal) *Static {
	rates := make(map[string]decimal.Decimal, len(table))
	for k, v := range table {
		rates[k] = v
	}
	return &Static{rates: rates}
}

// Rate returns the configured rate, 1 for same-currency lookups, or
// ErrRateUnavailable.
func (s *Static) Rate(_ context.Context, from, to types.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s.rates[types.RateKey(from, to)]; ok {
		return r, nil
	}
	return decimal.Zero, ErrRateUnavailable
}
