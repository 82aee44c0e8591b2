package venue

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/novatrade/edge/internal/ledger"
	"github.com/novatrade/edge/internal/receipt"
)

// Router dispatches orders to the adapter for their venue and makes
// submission idempotent per client order id: the first receipt for a
// client id is persisted, and any resubmission returns that receipt
// without touching the venue again.
type Router struct {
	executors map[string]Executor
	ledger    *ledger.Ledger
	logger    *zap.Logger
}

func NewRouter(led *ledger.Ledger, logger *zap.Logger, executors ...Executor) *Router {
	m := make(map[string]Executor, len(executors))
	for _, e := range executors {
		m[e.Name()] = e
	}
	return &Router{executors: m, ledger: led, logger: logger}
}

// Supported reports whether a venue has a configured adapter.
func (r *Router) Supported(venue string) bool {
	_, ok := r.executors[strings.ToUpper(venue)]
	return ok
}

// Execute places one live market order and always returns a receipt;
// venue failures come back as status=error receipts, not Go errors.
func (r *Router) Execute(ctx context.Context, venueName, mode string, order Order) *receipt.Receipt {
	venueName = strings.ToUpper(venueName)

	if prior := r.recall(ctx, order.ClientID); prior != nil {
		r.logger.Info("duplicate client order id, replaying stored receipt",
			zap.String("venue", venueName),
			zap.String("client_id", order.ClientID))
		return prior
	}

	exec, ok := r.executors[venueName]
	if !ok {
		return receipt.New(receipt.StatusError, venueName, order.Symbol, order.Side, mode,
			order.ClientID, "unsupported venue: "+venueName)
	}

	res, err := exec.PlaceMarketOrder(ctx, order)
	if err != nil {
		r.logger.Warn("order failed",
			zap.String("venue", venueName),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.Error(err))
		return receipt.New(receipt.StatusError, venueName, order.Symbol, order.Side, mode,
			order.ClientID, err.Error())
	}

	rc := receipt.New(receipt.StatusOK, venueName, res.Symbol, order.Side, mode, order.ClientID, res.Message)
	rc.OrderID = res.OrderID
	rc.ExecutedQty = res.ExecutedQty
	rc.AvgPrice = res.AvgPrice
	rc.QuoteFilled = res.QuoteFilled
	rc.Fee = res.Fee
	rc.FeeAsset = res.FeeAsset
	rc.Raw = res.Raw

	r.remember(ctx, venueName, order.ClientID, rc)
	return rc
}

// Balances collects free balances from every adapter that can report them.
func (r *Router) Balances(ctx context.Context) map[string]map[string]float64 {
	out := map[string]map[string]float64{}
	for name, exec := range r.executors {
		reader, ok := exec.(BalanceReader)
		if !ok {
			continue
		}
		bals, err := reader.Balances(ctx)
		if err != nil {
			r.logger.Warn("balance fetch failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		out[name] = bals
	}
	return out
}

func (r *Router) recall(ctx context.Context, clientID string) *receipt.Receipt {
	if clientID == "" || r.ledger == nil {
		return nil
	}
	stored, err := r.ledger.RecallOrder(ctx, clientID)
	if err != nil {
		r.logger.Warn("order recall failed", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	if stored == "" {
		return nil
	}
	var rc receipt.Receipt
	if err := json.Unmarshal([]byte(stored), &rc); err != nil {
		r.logger.Warn("stored receipt unreadable", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	return &rc
}

// remember persists the first successful receipt for a client order id.
// Error receipts are not stored: a retry with the same id should be
// allowed to reach the venue again.
func (r *Router) remember(ctx context.Context, venueName, clientID string, rc *receipt.Receipt) {
	if clientID == "" || r.ledger == nil {
		return
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		return
	}
	if err := r.ledger.RememberOrder(ctx, clientID, venueName, string(raw)); err != nil {
		r.logger.Warn("order remember failed", zap.String("client_id", clientID), zap.Error(err))
	}
}
