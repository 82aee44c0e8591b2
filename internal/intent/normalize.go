package intent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// extractionChain returns the candidate objects holding trade fields, most
// specific first: payload (flat or under intent) > top-level > intent.intent
// > data > body > raw row. Field resolution is first-non-null across the
// chain, field by field, not an object-level merge.
func extractionChain(raw RawCommand) []map[string]any {
	chain := make([]map[string]any, 0, 6)

	add := func(v any) {
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			chain = append(chain, m)
		}
	}

	add(raw["payload"])
	if in, ok := raw["intent"].(map[string]any); ok {
		add(in["payload"])
	}
	chain = append(chain, map[string]any(raw))
	if in, ok := raw["intent"].(map[string]any); ok {
		add(in["intent"])
		add(in)
	}
	add(raw["command"])
	add(raw["data"])
	add(raw["body"])
	return chain
}

// lookup returns the first non-null value for any of the aliased keys,
// walking the chain in priority order.
func lookup(chain []map[string]any, keys ...string) (any, bool) {
	for _, m := range chain {
		for _, k := range keys {
			if v, ok := m[k]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func lookupString(chain []map[string]any, keys ...string) string {
	v, ok := lookup(chain, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

func lookupFloat(chain []map[string]any, keys ...string) float64 {
	v, ok := lookup(chain, keys...)
	if !ok {
		return 0
	}
	return asFloat(v)
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func lookupBool(chain []map[string]any, keys ...string) bool {
	v, ok := lookup(chain, keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

func lookupFlags(chain []map[string]any) []string {
	v, ok := lookup(chain, "flags")
	if !ok {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, strings.ToLower(strings.TrimSpace(s)))
			}
		}
	case []string:
		for _, s := range t {
			out = append(out, strings.ToLower(strings.TrimSpace(s)))
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// venueKey strips everything but letters so COINBASE, Coinbase_Adv and
// "BINANCE.US" collapse to stable venue keys.
func venueKey(v string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(v) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize converts one raw bus command into a canonical Intent. A
// trade-like intent missing venue, symbol or sizing is returned together
// with a *MalformedError; the caller acks those as held so they do not
// block the queue.
func Normalize(raw RawCommand) (*Intent, error) {
	chain := extractionChain(raw)

	in := &Intent{
		ID:            lookupString(chain, "id", "cmd_id", "command_id"),
		Type:          strings.ToLower(lookupString(chain, "type", "kind")),
		Venue:         venueKey(lookupString(chain, "venue", "exchange")),
		Side:          strings.ToUpper(lookupString(chain, "side")),
		Flags:         lookupFlags(chain),
		DryRun:        lookupBool(chain, "dry_run", "dryrun"),
		Mode:          strings.ToLower(lookupString(chain, "mode")),
		ClientOrderID: lookupString(chain, "client_order_id", "idempotency_key"),
	}

	if in.Type == "" {
		in.Type = TypeOrderPlace
	}
	if in.Side == "" {
		in.Side = SideBuy
	}
	if in.ClientOrderID == "" {
		in.ClientOrderID = fallbackClientID()
	}

	// Symbol, directly or derived from base/quote.
	symbol := strings.ToUpper(lookupString(chain, "symbol", "product_id", "pair"))
	if symbol == "" {
		base := strings.ToUpper(lookupString(chain, "base"))
		quote := strings.ToUpper(lookupString(chain, "quote"))
		if base != "" && quote != "" {
			symbol = base + "/" + quote
		}
	}
	in.Symbol = symbol

	// Sizing: explicit base/quote first.
	in.AmountBase = lookupFloat(chain, "amount_base", "base_amount")
	in.AmountQuote = lookupFloat(chain, "amount_quote", "quote_amount")
	in.AmountUSD = lookupFloat(chain, "amount_usd")

	// amount_usd mirrors amount_quote for back-compat senders.
	if in.AmountQuote == 0 && in.AmountUSD != 0 {
		in.AmountQuote = in.AmountUSD
	}

	// Legacy single "amount": base-denominated only when flagged.
	if in.AmountBase == 0 && in.AmountQuote == 0 {
		if legacy := lookupFloat(chain, "amount"); legacy != 0 {
			if in.HasFlag(FlagBase) {
				in.AmountBase = legacy
			} else {
				in.AmountQuote = legacy
			}
		}
	}

	// A SELL sized in base currency forces the base flag; executors pick
	// sizing mode off the flag. Quote sizing stays only if the bus set it
	// explicitly.
	if in.Side == SideSell && in.AmountBase > 0 {
		in.addFlag(FlagBase)
		if _, explicit := lookup(chain, "amount_quote", "quote_amount"); !explicit {
			in.AmountQuote = 0
		}
	}

	if in.TradeLike() {
		if in.Venue == "" {
			return in, &MalformedError{CommandID: in.ID, Reason: "missing venue"}
		}
		if in.Symbol == "" {
			return in, &MalformedError{CommandID: in.ID, Reason: "missing symbol"}
		}
		if in.AmountBase <= 0 && in.AmountQuote <= 0 {
			return in, &MalformedError{CommandID: in.ID, Reason: "no sizing basis (amount_base and amount_quote are both zero)"}
		}
	}

	return in, nil
}
