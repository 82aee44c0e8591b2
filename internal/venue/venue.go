// Package venue contains the exchange adapters. Each adapter translates one
// normalized market-order request into the venue's REST dialect, signs it
// with the venue's own scheme, and maps the response back to a Receipt.
//
// Adapters are live-path only: hold, dry-run and policy rejections are
// decided before an adapter is ever called, so an adapter that runs is
// expected to move real funds.
package venue

import "context"

// Venue names as they appear in commands.
const (
	Coinbase  = "COINBASE"
	BinanceUS = "BINANCEUS"
	Kraken    = "KRAKEN"
	MEXC      = "MEXC"
)

// Order is one normalized market-order request. Exactly one of AmountBase
// or AmountQuote is positive: BUY orders are usually quote-sized, SELL
// orders base-sized.
type Order struct {
	Symbol      string // BASE/QUOTE
	Side        string // BUY | SELL
	AmountBase  float64
	AmountQuote float64
	ClientID    string // venue idempotency key
}

// Fill is one execution slice reported by a venue.
type Fill struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Result is the venue-level outcome of a placed order.
type Result struct {
	OrderID     string
	Symbol      string // venue-native symbol actually traded
	ExecutedQty float64
	AvgPrice    float64
	QuoteFilled float64
	Fee         float64
	FeeAsset    string
	Fills       []Fill
	Raw         []byte // venue response body, audit only
	Message     string
}

// Executor places market orders on one venue.
type Executor interface {
	Name() string
	PlaceMarketOrder(ctx context.Context, order Order) (*Result, error)
}

// BalanceReader is an optional adapter capability: free balances by asset,
// in the agent's asset names (BTC, not XBT).
type BalanceReader interface {
	Balances(ctx context.Context) (map[string]float64, error)
}

// sellDust is shaved off the free balance before a SELL clamp so a fee
// accrual between the balance read and the order does not bounce it.
const sellDust = 1e-8

func clampSell(requested, free float64) float64 {
	max := free - sellDust
	if max < 0 {
		max = 0
	}
	if requested > max {
		return max
	}
	return requested
}
