package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func testEnforcer(t *testing.T, cfg RulesConfig) *Enforcer {
	t.Helper()
	return NewEnforcer(LoadRules(cfg), zaptest.NewLogger(t))
}

func buyReq(venue string, amountQuote, balance float64) Request {
	return Request{
		Venue:       venue,
		Base:        "BTC",
		Quote:       "USDT",
		Side:        "BUY",
		Price:       60000,
		AmountQuote: amountQuote,
		Balances:    map[string]float64{"USDT": balance},
	}
}

func TestEnforce_BuyBumpedToMinNotional(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})

	// BINANCEUS USDT floor defaults to $10; a $5 BUY is bumped, not rejected.
	out := e.Enforce(buyReq("BINANCEUS", 5, 100))
	assert.True(t, out.Allowed)
	assert.Equal(t, 10.0, out.AdjustedQuote)
}

func TestEnforce_BuyAtOrAboveMinUntouched(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	out := e.Enforce(buyReq("BINANCEUS", 25, 100))
	assert.True(t, out.Allowed)
	assert.Equal(t, 25.0, out.AdjustedQuote)
}

func TestEnforce_SellBelowMinNotionalRejected(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	out := e.Enforce(Request{
		Venue:      "BINANCEUS",
		Base:       "BTC",
		Quote:      "USDT",
		Side:       "SELL",
		Price:      60000,
		AmountBase: 0.0001, // $6 notional, below the $10 floor
		Balances:   map[string]float64{"BTC": 1},
	})
	assert.False(t, out.Allowed)
	assert.Contains(t, out.Reason, "min notional")
}

func TestEnforce_BaseSizedWithoutPriceSkipsNotional(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})

	// Without a reference price the notional of a base-sized order is
	// unknowable; the venue's own floor is the backstop.
	out := e.Enforce(Request{
		Venue:      "BINANCEUS",
		Base:       "BTC",
		Quote:      "USDT",
		Side:       "SELL",
		AmountBase: 0.01,
		Balances:   map[string]float64{"BTC": 1},
	})
	assert.True(t, out.Allowed)
}

func TestEnforce_MinQtyRejected(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	out := e.Enforce(Request{
		Venue:      "KRAKEN",
		Base:       "BTC",
		Quote:      "USDT",
		Side:       "SELL",
		Price:      200000,
		AmountBase: 0.00003, // $6 notional clears the floor, qty below 0.00005 ordermin
		Balances:   map[string]float64{"BTC": 1},
	})
	assert.False(t, out.Allowed)
	assert.Contains(t, out.Reason, "min volume")
}

func TestEnforce_MinQtySkippedWithoutPrice(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	req := buyReq("KRAKEN", 10, 100)
	req.Price = 0 // no reference price: conversion impossible, venue enforces ordermin
	out := e.Enforce(req)
	assert.True(t, out.Allowed)
}

func TestEnforce_QuoteFloorBreach(t *testing.T) {
	e := testEnforcer(t, RulesConfig{
		QuoteFloorsJSON: `{"KRAKEN":{"USDT":50}}`,
	})
	// Balance 60, spend 15 leaves 45 < floor 50.
	out := e.Enforce(buyReq("KRAKEN", 15, 60))
	assert.False(t, out.Allowed)
	assert.Contains(t, out.Reason, "quote floor")
}

func TestEnforce_GlobalReserveRaisesFloor(t *testing.T) {
	e := testEnforcer(t, RulesConfig{ReserveUSD: 80})
	out := e.Enforce(buyReq("KRAKEN", 30, 100)) // leaves 70 < 80 reserve
	assert.False(t, out.Allowed)

	// Non-stablecoin quotes ignore the reserve.
	out = e.Enforce(Request{
		Venue: "KRAKEN", Base: "ETH", Quote: "BTC", Side: "BUY",
		Price: 0.05, AmountQuote: 0.5,
		Balances: map[string]float64{"BTC": 1},
	})
	assert.True(t, out.Allowed)
}

func TestEnforce_InsufficientBalance(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	out := e.Enforce(buyReq("KRAKEN", 90, 50))
	assert.False(t, out.Allowed)
	assert.Contains(t, out.Reason, "insufficient USDT")
}

func TestEnforce_UnknownBalancesSkipBalanceChecks(t *testing.T) {
	e := testEnforcer(t, RulesConfig{ReserveUSD: 50})
	req := buyReq("KRAKEN", 20, 0)
	req.Balances = nil // venue could not report
	out := e.Enforce(req)
	assert.True(t, out.Allowed)
}

func TestEnforce_UnknownVenueAllowed(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	out := e.Enforce(buyReq("NEWVENUE", 1, 10))
	assert.True(t, out.Allowed, "unknown-rule cases fail open")
	assert.Equal(t, 1.0, out.AdjustedQuote)
}

func TestEnforce_OverridesApply(t *testing.T) {
	e := testEnforcer(t, RulesConfig{
		MinNotionalJSON: `{"MEXC":{"USDT":3}}`,
	})
	out := e.Enforce(Request{
		Venue: "MEXC", Base: "MX", Quote: "USDT", Side: "BUY",
		Price: 2, AmountQuote: 1,
		Balances: map[string]float64{"USDT": 100},
	})
	assert.True(t, out.Allowed)
	assert.Equal(t, 3.0, out.AdjustedQuote)
}

func TestEnforce_FailsOpenOnInternalError(t *testing.T) {
	e := testEnforcer(t, RulesConfig{})
	e.rules = nil // force a panic inside Enforce
	out := e.Enforce(buyReq("KRAKEN", 5, 100))
	assert.True(t, out.Allowed)
	assert.Equal(t, "policy_internal_error", out.Reason)
}

func TestLookupPrecedence(t *testing.T) {
	r := LoadRules(RulesConfig{
		MinNotionalJSON: `{"KRAKEN":{"BTC/USDT":25,"USDT":7,"*":1}}`,
	})
	assert.Equal(t, 25.0, r.MinNotional("KRAKEN", "BTC/USDT", "USDT"), "exact symbol wins")
	assert.Equal(t, 7.0, r.MinNotional("KRAKEN", "ETH/USDT", "USDT"), "quote default next")
	assert.Equal(t, 1.0, r.MinNotional("KRAKEN", "ETH/BTC", "BTC"), "venue default next")
	assert.Equal(t, 0.0, r.MinNotional("UNKNOWN", "ETH/BTC", "BTC"), "unknown venue allows")
}

func TestNewDecision(t *testing.T) {
	req := buyReq("KRAKEN", 5, 100)
	out := Outcome{Allowed: true, Reason: "ok", AdjustedQuote: 10}
	d := NewDecision(req, out)
	assert.NotEmpty(t, d.DecisionID)
	assert.Equal(t, "BTC/USDT", d.Symbol)
	assert.Equal(t, 5.0, d.RequestedQuote)
	assert.Equal(t, 10.0, d.ApprovedQuote)
}
