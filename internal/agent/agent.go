// Package agent runs the edge command loop: pull commands from the bus,
// execute them at most once, and report a receipt for every command.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novatrade/edge/internal/bus"
	"github.com/novatrade/edge/internal/config"
	"github.com/novatrade/edge/internal/intent"
	"github.com/novatrade/edge/internal/ledger"
	"github.com/novatrade/edge/internal/observability"
	"github.com/novatrade/edge/internal/policy"
	"github.com/novatrade/edge/internal/receipt"
	"github.com/novatrade/edge/internal/telemetry"
	"github.com/novatrade/edge/internal/venue"
)

// simPrice is the reference price used for simulated fills; real fills
// always use venue prices.
const simPrice = 60000.0

// systemVenue labels receipts for commands that never touch an exchange.
const systemVenue = "EDGE"

// Agent ties the pipeline together. One Agent serves one bus identity.
type Agent struct {
	cfg    *config.Config
	bus    *bus.Client
	ledger *ledger.Ledger
	router *venue.Router
	policy *policy.Enforcer
	hub    *telemetry.Hub // optional
	mirror *telemetry.Mirror
	health *observability.HealthChecker // optional
	logger *zap.Logger
}

// SetHealth attaches the health checker fed by successful polls.
func (a *Agent) SetHealth(h *observability.HealthChecker) {
	a.health = h
}

func New(cfg *config.Config, busClient *bus.Client, led *ledger.Ledger,
	router *venue.Router, enforcer *policy.Enforcer,
	hub *telemetry.Hub, mirror *telemetry.Mirror, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		bus:    busClient,
		ledger: led,
		router: router,
		policy: enforcer,
		hub:    hub,
		mirror: mirror,
		logger: logger,
	}
}

func (a *Agent) gate() policy.Gate {
	return policy.Gate{Mode: a.cfg.Mode, Hold: a.cfg.Hold, Armed: a.cfg.LiveArmed}
}

// maxPollBackoff caps the sleep between pulls when the bus is unreachable.
const maxPollBackoff = 60 * time.Second

// Run polls until the context is cancelled. The current batch always
// finishes before shutdown; commands are never abandoned mid-flight.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent online",
		zap.String("agent_id", a.cfg.AgentID),
		zap.String("mode", a.cfg.Mode),
		zap.Bool("hold", a.cfg.Hold),
		zap.String("bus", a.cfg.BaseURL))

	delay := a.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			a.logger.Info("agent stopping")
			return ctx.Err()
		}

		if a.cfg.Hold {
			// Held agents stop pulling entirely; commands stay queued on
			// the bus for whoever resumes.
			a.logger.Debug("hold active, skipping pull")
			delay = a.cfg.PollInterval
		} else {
			cmds, err := a.bus.Pull(ctx, a.cfg.AgentID, a.cfg.PullLimit)
			if err != nil {
				delay = nextBackoff(delay, a.cfg.PollInterval)
				a.logger.Warn("pull failed, backing off",
					zap.Duration("next_pull", delay), zap.Error(err))
			} else {
				delay = a.cfg.PollInterval
				a.health.MarkPull()
				if len(cmds) > 0 {
					a.logger.Info("pulled commands", zap.Int("count", len(cmds)))
				}
				for _, raw := range cmds {
					a.Handle(ctx, raw)
				}
			}
		}

		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// nextBackoff doubles the pull delay up to maxPollBackoff. A successful
// cycle resets the delay to the base interval.
func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	if next < base {
		next = base
	}
	if next > maxPollBackoff {
		next = maxPollBackoff
	}
	return next
}

// Handle processes one raw command end to end: normalize, claim, execute,
// journal, ack. Every well-formed command gets exactly one ack.
func (a *Agent) Handle(ctx context.Context, raw intent.RawCommand) {
	in, err := intent.Normalize(raw)
	if err != nil {
		a.handleMalformed(ctx, err)
		return
	}

	claimed, state, err := a.ledger.Claim(ctx, a.cfg.AgentID, in.ID)
	if err != nil {
		// Fail closed: an unreadable ledger means we cannot prove this
		// command was never executed. Leave it for the next pull.
		a.logger.Error("claim failed, not executing",
			zap.String("command_id", in.ID), zap.Error(err))
		return
	}
	if !claimed {
		a.logger.Info("duplicate command",
			zap.String("command_id", in.ID), zap.String("state", state))
		rc := a.systemReceipt(receipt.StatusNoop, in, "duplicate")
		a.ack(ctx, in.ID, rc)
		return
	}

	// Claimed commands run exactly once, so from here the pipeline must
	// outlive a termination signal: an order that reached the venue still
	// needs its receipt journaled and acked. Per-call HTTP timeouts keep
	// every step bounded.
	ctx = context.WithoutCancel(ctx)

	rc := a.execute(ctx, in)
	if rc.ClientID == "" {
		rc.ClientID = in.ClientOrderID
	}

	a.journal(ctx, in.ID, rc)
	a.ack(ctx, in.ID, rc)

	if err := a.ledger.MarkDone(ctx, a.cfg.AgentID, in.ID); err != nil {
		a.logger.Warn("mark done failed", zap.String("command_id", in.ID), zap.Error(err))
	}
	a.mirror.PublishJSON(ctx, telemetry.TopicReceipts, in.ID, rc)
}

func (a *Agent) handleMalformed(ctx context.Context, err error) {
	var mal *intent.MalformedError
	if !errors.As(err, &mal) || mal.CommandID == "" {
		// No id means nothing to ack against; the bus entry is garbage.
		a.logger.Warn("unidentifiable command dropped", zap.Error(err))
		return
	}
	a.logger.Warn("malformed command",
		zap.String("command_id", mal.CommandID),
		zap.String("reason", mal.Reason))

	// Held, not error: the command never executed and is safe to retry
	// once the sender fixes it, but it must still be acked so it stops
	// blocking the queue.
	rc := receipt.New(receipt.StatusHeld, systemVenue, "-", "-", a.cfg.Mode, "", mal.Reason)
	rc.OrderID = fmt.Sprintf("EDGE-MALFORMED-%d", time.Now().UnixMilli())
	a.journal(ctx, mal.CommandID, rc)
	a.ack(ctx, mal.CommandID, rc)
}

func (a *Agent) execute(ctx context.Context, in *intent.Intent) *receipt.Receipt {
	switch in.Type {
	case intent.TypeOrderPlace:
		return a.trade(ctx, in)
	case intent.TypeBalanceSnapshot:
		if a.hub != nil {
			a.hub.PushSnapshot(ctx)
		}
		return a.systemReceipt(receipt.StatusOK, in, "balance snapshot pushed")
	case intent.TypeHeartbeat:
		if a.hub != nil {
			a.hub.Heartbeat(ctx)
		}
		return a.systemReceipt(receipt.StatusNoop, in, "heartbeat")
	case intent.TypeNoop, intent.TypeNote:
		return a.systemReceipt(receipt.StatusNoop, in, in.Type)
	default:
		return a.systemReceipt(receipt.StatusNoop, in, "unknown command type: "+in.Type)
	}
}

// trade runs the pre-trade pipeline for one order.place: arming gate,
// policy checks, then either a live route or a simulated fill.
func (a *Agent) trade(ctx context.Context, in *intent.Intent) *receipt.Receipt {
	if a.cfg.Hold {
		rc := receipt.New(receipt.StatusHeld, strings.ToUpper(in.Venue), in.Symbol,
			in.Side, a.cfg.Mode, in.ClientOrderID, "EDGE_HOLD enabled")
		rc.OrderID = fmt.Sprintf("EDGE-HELD-%d", time.Now().UnixMilli())
		return rc
	}

	if in.DryRun {
		return a.simulate(in, receipt.StatusDryRun, "dry_run flag set")
	}

	// cfg.Hold returned above, so a blocked verdict here is always a
	// mode or arming miss.
	verdict := a.gate().Check(in.Mode)
	if !verdict.Allowed {
		status := receipt.StatusDryRun
		if verdict.Reason == "live_not_armed" {
			status = receipt.StatusSimulated
		}
		return a.simulate(in, status, verdict.Reason)
	}

	venueKey := strings.ToUpper(in.Venue)
	base, quote := venue.SplitSymbol(in.Symbol)
	req := policy.Request{
		Venue:       venueKey,
		Base:        base,
		Quote:       quote,
		Side:        in.Side,
		AmountBase:  in.AmountBase,
		AmountQuote: in.AmountQuote,
		Balances:    a.router.Balances(ctx)[venueKey],
	}
	out := a.policy.Enforce(req)
	dec := policy.NewDecision(req, out)
	a.logger.Info("policy decision",
		zap.String("decision_id", dec.DecisionID),
		zap.String("venue", dec.Venue),
		zap.String("symbol", dec.Symbol),
		zap.Bool("allowed", dec.Allowed),
		zap.String("reason", dec.Reason),
		zap.Float64("requested_quote", dec.RequestedQuote),
		zap.Float64("approved_quote", dec.ApprovedQuote))

	if !out.Allowed {
		rc := receipt.New(receipt.StatusError, venueKey, in.Symbol, in.Side,
			"live", in.ClientOrderID, "policy veto: "+out.Reason)
		rc.OrderID = dec.DecisionID
		return rc
	}

	order := venue.Order{
		Symbol:      in.Symbol,
		Side:        in.Side,
		AmountBase:  in.AmountBase,
		AmountQuote: out.AdjustedQuote,
		ClientID:    in.ClientOrderID,
	}
	return a.router.Execute(ctx, venueKey, "live", order)
}

// simulate produces a deterministic fill without touching any venue.
func (a *Agent) simulate(in *intent.Intent, status, reason string) *receipt.Receipt {
	qty := in.AmountBase
	if qty == 0 {
		qty = in.AmountQuote / simPrice
	}
	rc := receipt.New(status, strings.ToUpper(in.Venue), in.Symbol, in.Side,
		"dry", in.ClientOrderID, "simulated fill: "+reason)
	rc.OrderID = fmt.Sprintf("SIM-%d", time.Now().UnixMilli())
	rc.ExecutedQty = qty
	rc.AvgPrice = simPrice
	rc.QuoteFilled = qty * simPrice
	return rc
}

// systemReceipt covers commands that never reach a venue. They still get
// a synthetic order id so receipt delivery validation passes.
func (a *Agent) systemReceipt(status string, in *intent.Intent, message string) *receipt.Receipt {
	rc := receipt.New(status, systemVenue, "-", "-", a.cfg.Mode, in.ClientOrderID, message)
	rc.OrderID = fmt.Sprintf("EDGE-%s-%d", strings.ToUpper(status), time.Now().UnixMilli())
	return rc
}

// journal appends the receipt to the write-ahead journal before any bus
// send; the drainer delivers it even if the process dies right after.
func (a *Agent) journal(ctx context.Context, cmdID string, rc *receipt.Receipt) {
	raw, err := json.Marshal(rc)
	if err != nil {
		a.logger.Error("receipt marshal failed", zap.String("command_id", cmdID), zap.Error(err))
		return
	}
	if err := a.ledger.AppendReceipt(ctx, a.cfg.AgentID, cmdID, rc.Status, string(raw)); err != nil {
		a.logger.Error("receipt journal failed", zap.String("command_id", cmdID), zap.Error(err))
	}
}

func (a *Agent) ack(ctx context.Context, cmdID string, rc *receipt.Receipt) {
	res, err := a.bus.Ack(ctx, a.cfg.AgentID, cmdID, rc.AckStatus(), rc)
	if err != nil {
		a.logger.Warn("ack failed", zap.String("command_id", cmdID), zap.Error(err))
		return
	}
	a.logger.Info("acked",
		zap.String("command_id", cmdID),
		zap.String("status", rc.AckStatus()),
		zap.Int("http_status", res.Status))
}
