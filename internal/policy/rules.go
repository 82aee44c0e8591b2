package policy

import (
	"encoding/json"
	"strings"
)

// Built-in venue rule defaults. Overridable via the JSON env maps; venue
// minimums drift, so operators can overlay without a redeploy.
var (
	defaultMinNotional = map[string]map[string]float64{
		"BINANCEUS": {"USDT": 10.0, "USD": 10.0},
		"COINBASE":  {"USDC": 10.0, "USD": 10.0},
		"KRAKEN":    {"USDT": 5.0, "USD": 5.0},
	}

	defaultMinQty = map[string]map[string]float64{
		"KRAKEN":    {"BTC/USD": 0.00005, "BTC/USDT": 0.00005},
		"COINBASE":  {"BTC/USD": 0.000001, "BTC/USDC": 0.000001},
		"BINANCEUS": {"BTC/USDT": 0.00001, "BTC/USD": 0.00001},
	}
)

// stablecoin quotes participate in the global USD reserve floor.
func isStableQuote(quote string) bool {
	switch quote {
	case "USD", "USDT", "USDC":
		return true
	}
	return false
}

// Precision is qty/price decimal places for one venue symbol.
type Precision struct {
	Qty   int `json:"qty"`
	Price int `json:"price"`
}

// Rules holds per-venue floors, minimums and precision overrides.
type Rules struct {
	minNotional map[string]map[string]float64
	minQty      map[string]map[string]float64
	quoteFloors map[string]map[string]float64
	precision   map[string]map[string]Precision
	reserveUSD  float64
}

// RulesConfig carries the raw JSON override maps from the environment.
type RulesConfig struct {
	QuoteFloorsJSON string
	MinNotionalJSON string
	PrecisionJSON   string
	ReserveUSD      float64
}

// LoadRules builds the rule set: built-in defaults overlaid with the
// JSON-encoded env maps. Unparseable overrides are ignored; the defaults
// still apply.
func LoadRules(cfg RulesConfig) *Rules {
	r := &Rules{
		minNotional: copyVenueMap(defaultMinNotional),
		minQty:      copyVenueMap(defaultMinQty),
		quoteFloors: map[string]map[string]float64{},
		precision:   map[string]map[string]Precision{},
		reserveUSD:  cfg.ReserveUSD,
	}

	overlayFloat(r.minNotional, cfg.MinNotionalJSON)
	overlayFloat(r.quoteFloors, cfg.QuoteFloorsJSON)

	if cfg.PrecisionJSON != "" {
		var parsed map[string]map[string]Precision
		if err := json.Unmarshal([]byte(cfg.PrecisionJSON), &parsed); err == nil {
			for v, m := range parsed {
				vu := strings.ToUpper(v)
				if r.precision[vu] == nil {
					r.precision[vu] = map[string]Precision{}
				}
				for s, p := range m {
					r.precision[vu][strings.ToUpper(s)] = p
				}
			}
		}
	}

	return r
}

func copyVenueMap(src map[string]map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(src))
	for v, m := range src {
		inner := make(map[string]float64, len(m))
		for k, x := range m {
			inner[k] = x
		}
		out[v] = inner
	}
	return out
}

func overlayFloat(dst map[string]map[string]float64, js string) {
	if js == "" {
		return
	}
	var parsed map[string]map[string]float64
	if err := json.Unmarshal([]byte(js), &parsed); err != nil {
		return
	}
	for v, m := range parsed {
		vu := strings.ToUpper(v)
		if dst[vu] == nil {
			dst[vu] = map[string]float64{}
		}
		for k, x := range m {
			dst[vu][strings.ToUpper(k)] = x
		}
	}
}

// lookup resolves a per-venue value with the precedence
// exact symbol > quote-currency default > venue default ("*") > 0 (allow).
func lookup(m map[string]map[string]float64, venue, symbol, quote string) float64 {
	vm, ok := m[venue]
	if !ok {
		return 0
	}
	if v, ok := vm[symbol]; ok {
		return v
	}
	if v, ok := vm[quote]; ok {
		return v
	}
	if v, ok := vm["*"]; ok {
		return v
	}
	return 0
}

// MinNotional returns the quote-currency floor for one venue symbol.
func (r *Rules) MinNotional(venue, symbol, quote string) float64 {
	return lookup(r.minNotional, venue, symbol, quote)
}

// MinQty returns the minimum tradable base quantity.
func (r *Rules) MinQty(venue, symbol, quote string) float64 {
	return lookup(r.minQty, venue, symbol, quote)
}

// QuoteFloor returns the quote balance an account must retain after a BUY:
// the venue floor, raised to the global reserve for stablecoin quotes.
func (r *Rules) QuoteFloor(venue, quote string) float64 {
	floor := lookup(r.quoteFloors, venue, "", quote)
	if isStableQuote(quote) && r.reserveUSD > floor {
		floor = r.reserveUSD
	}
	return floor
}

// PrecisionFor returns qty/price decimal places, defaulting to 6/2.
func (r *Rules) PrecisionFor(venue, symbol string) Precision {
	if vm, ok := r.precision[venue]; ok {
		if p, ok := vm[symbol]; ok {
			return p
		}
	}
	return Precision{Qty: 6, Price: 2}
}
