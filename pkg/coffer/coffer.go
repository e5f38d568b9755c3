// Package coffer is the composition root for the savings-goal planning
// library: it wires configuration, the ledger store, the rate gateway, and
// the scheduling/planning/tracking components into one client.
//
// The library has no transport surface; a presentation layer calls it
// directly.
package coffer

import (
	"errors"
	"sync"
	"time"

	"github.com/driftline/coffer/internal/config"
	"github.com/driftline/coffer/internal/planner"
	"github.com/driftline/coffer/internal/rates"
	"github.com/driftline/coffer/internal/scheduler"
	"github.com/driftline/coffer/internal/store"
	"github.com/driftline/coffer/internal/tracker"
	"github.com/driftline/coffer/internal/types"
)

// Client bundles the budget scheduler, plan lifecycle manager, and execution
// tracker over one ledger store.
type Client struct {
	Scheduler *scheduler.Scheduler
	Planner   *planner.Manager
	Tracker   *tracker.Tracker

	cfg   *config.Config
	store store.Store

	mu     sync.Mutex
	closed bool
}

// Open creates a Client from configuration: a SQLite-backed ledger store at
// the configured path and, when a rates base URL is configured, an HTTP rate
// gateway (an empty static gateway otherwise, leaving every cross-currency
// lookup to the documented 1:1 fallback).
func Open(cfg *config.Config) (*Client, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var gateway rates.Gateway
	if cfg.Rates.BaseURL != "" {
		gateway = rates.NewHTTPGateway(cfg.Rates.BaseURL, cfg.Rates.APIKey, time.Duration(cfg.Rates.Timeout))
	} else {
		gateway = rates.NewStatic(nil)
	}

	return OpenWith(cfg, st, gateway), nil
}

// OpenWith creates a Client over a caller-supplied store and gateway.
// Used by tests and embedders with their own wiring.
func OpenWith(cfg *config.Config, st store.Store, gateway rates.Gateway) *Client {
	return &Client{
		Scheduler: scheduler.New(gateway, cfg.Planning.PaymentDay, cfg.Schedule.MaxPeriods, time.Duration(cfg.Schedule.CacheTTL)),
		Planner:   planner.New(st, cfg.Planning.PaymentDay),
		Tracker:   tracker.New(st, gateway, time.Duration(cfg.Tracking.UndoGrace)),
		cfg:       cfg,
		store:     st,
	}
}

// Store exposes the underlying ledger store.
func (c *Client) Store() store.Store {
	return c.store
}

// DisplayCurrency returns the configured display currency.
func (c *Client) DisplayCurrency() types.Currency {
	return types.Currency(c.cfg.Planning.DisplayCurrency)
}

// Close releases the underlying store. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.store == nil {
		return errors.New("client has no store")
	}
	return c.store.Close()
}
