// Package policy is the pre-trade gate: venue floors, minimum notional and
// quantity rules, balance checks, and the live-trading arming switch.
//
// The failure semantics are deliberately asymmetric. Balance and notional
// rules fail OPEN: an internal policy error allows the trade, since the
// venue will still validate it and a missed trade is business risk that is
// recoverable. The arming gate fails CLOSED: live capital must never move
// because of configuration drift. Do not "fix" this asymmetry.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request is one pre-trade check.
type Request struct {
	Venue       string
	Base        string
	Quote       string
	Side        string
	Price       float64
	AmountBase  float64
	AmountQuote float64
	Balances    map[string]float64 // wallet balances for the venue, by asset
}

// Outcome is the gate's verdict. AdjustedQuote carries the possibly bumped
// spend for BUY orders below the venue minimum notional.
type Outcome struct {
	Allowed       bool
	Reason        string
	AdjustedQuote float64
}

// Enforcer applies the rule set to trade requests.
type Enforcer struct {
	rules  *Rules
	logger *zap.Logger
}

// NewEnforcer creates a policy enforcer.
func NewEnforcer(rules *Rules, logger *zap.Logger) *Enforcer {
	return &Enforcer{rules: rules, logger: logger}
}

// Enforce validates a trade request against venue rules and balances.
// It never panics out: any internal error is caught and treated as allow
// (fail-open for unknown-rule cases).
func (e *Enforcer) Enforce(req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy internal error, failing open", zap.Any("panic", r))
			out = Outcome{Allowed: true, Reason: "policy_internal_error", AdjustedQuote: req.AmountQuote}
		}
	}()

	price := decimal.NewFromFloat(req.Price)
	amountBase := decimal.NewFromFloat(req.AmountBase)
	amountQuote := decimal.NewFromFloat(req.AmountQuote)
	balance := decimal.NewFromFloat(req.Balances[req.Quote])
	symbol := req.Base + "/" + req.Quote

	// Balance-dependent checks need actual balance data. A nil map means
	// the venue could not report; rejecting on unknown data would turn a
	// telemetry hiccup into a missed trade.
	balanceKnown := req.Balances != nil

	// 1. Quote floor / global reserve: a BUY must not drain the quote
	// balance below the floor.
	if req.Side == "BUY" && balanceKnown {
		floor := decimal.NewFromFloat(e.rules.QuoteFloor(req.Venue, req.Quote))
		if balance.Sub(amountQuote).LessThan(floor) {
			return Outcome{
				Allowed: false,
				Reason: fmt.Sprintf("quote floor %s %s would be breached (bal=%s, spend=%s)",
					floor.String(), req.Quote, balance.StringFixed(2), amountQuote.StringFixed(2)),
				AdjustedQuote: req.AmountQuote,
			}
		}
	}

	// 2. Venue min-notional. A BUY sized in quote below the floor is bumped
	// up to exactly the floor rather than rejected: spending slightly more
	// than requested is safer than failing a user-approved trade. Base-sized
	// requests below the floor are rejected.
	minNotional := decimal.NewFromFloat(e.rules.MinNotional(req.Venue, symbol, req.Quote))
	adjusted := amountQuote

	var notional decimal.Decimal
	baseSized := amountBase.IsPositive()
	if baseSized {
		notional = amountBase.Mul(price)
	} else {
		notional = amountQuote
	}

	// A base-sized request with no reference price has an unknowable
	// notional; skip the floor and let the venue apply its own.
	notionalKnown := !baseSized || price.IsPositive()
	if minNotional.IsPositive() && notionalKnown && notional.LessThan(minNotional) {
		if !baseSized && req.Side == "BUY" && amountQuote.IsPositive() {
			adjusted = minNotional
		} else {
			return Outcome{
				Allowed:       false,
				Reason:        fmt.Sprintf("min notional %s %s not met", minNotional.String(), req.Quote),
				AdjustedQuote: req.AmountQuote,
			}
		}
	}

	// 3. Minimum tradable base quantity. A quote-sized request with no
	// reference price cannot be converted; skip and let the venue apply
	// its own ordermin.
	minQty := decimal.NewFromFloat(e.rules.MinQty(req.Venue, symbol, req.Quote))
	if minQty.IsPositive() && (baseSized || price.IsPositive()) {
		baseQty := amountBase
		if !baseSized {
			baseQty = adjusted.Div(price)
		}
		if baseQty.LessThan(minQty) {
			return Outcome{
				Allowed:       false,
				Reason:        fmt.Sprintf("min volume %s not met", minQty.String()),
				AdjustedQuote: req.AmountQuote,
			}
		}
	}

	// 4. Balance sufficiency for the (possibly adjusted) BUY spend.
	if req.Side == "BUY" && balanceKnown && balance.LessThan(adjusted) {
		return Outcome{
			Allowed: false,
			Reason: fmt.Sprintf("insufficient %s: have %s, need %s",
				req.Quote, balance.StringFixed(2), adjusted.StringFixed(2)),
			AdjustedQuote: req.AmountQuote,
		}
	}

	adjustedF, _ := adjusted.Float64()
	return Outcome{Allowed: true, Reason: "ok", AdjustedQuote: adjustedF}
}
