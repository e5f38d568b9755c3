package rates

import (
	"context"
	"errors"
	"log/slog"

	"github.com/driftline/coffer/internal/types"
	"github.com/shopspring/decimal"
)

// Memo wraps a Gateway so each distinct (from, to) pair is fetched at most
// once per operation. Failed lookups are logged, fall back to 1:1, and flip
// the Approximate flag; the fallback is memoized too so one outage does not
// produce one warning per event.
//
// Memo is scoped to a single calculation and is not safe for concurrent use.
type Memo struct {
	gateway     Gateway
	seen        map[string]decimal.Decimal
	approximate bool
}

// NewMemo creates a Memo over the given gateway.
func NewMemo(gateway Gateway) *Memo {
	return &Memo{
		gateway: gateway,
		seen:    make(map[string]decimal.Decimal),
	}
}

// Convert converts amount from one currency to another, memoizing the rate.
func (m *Memo) Convert(ctx context.Context, amount decimal.Decimal, from, to types.Currency) decimal.Decimal {
	return amount.Mul(m.rate(ctx, from, to))
}

// Approximate reports whether any lookup fell back to 1:1.
func (m *Memo) Approximate() bool {
	return m.approximate
}

// Rates returns the rates used so far, keyed by types.RateKey. The map is a
// copy and safe to freeze into a completed execution.
func (m *Memo) Rates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.seen))
	for k, v := range m.seen {
		out[k] = v
	}
	return out
}

func (m *Memo) rate(ctx context.Context, from, to types.Currency) decimal.Decimal {
	if from == to {
		return decimal.NewFromInt(1)
	}
	key := types.RateKey(from, to)
	if r, ok := m.seen[key]; ok {
		return r
	}

	r, err := m.gateway.Rate(ctx, from, to)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("rate lookup failed, using 1:1 fallback",
				"component", "rates",
				"from", from,
				"to", to,
				"error", err,
			)
		}
		r = decimal.NewFromInt(1)
		m.approximate = true
	}
	m.seen[key] = r
	return r
}
