package venue

import "strings"

// SplitSymbol parses BTC/USDT, BTC-USDT or BTCUSDT into base and quote.
// The concatenated form is resolved against known quote suffixes, longest
// first so BTCUSDT does not split as BTCU/SDT.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i], s[i+len(sep):]
		}
	}
	for _, q := range []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, ""
}

// coinbaseProduct renders BASE-QUOTE, e.g. BTC-USDC.
func coinbaseProduct(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return base
	}
	return base + "-" + quote
}

// binanceSymbol renders the concatenated form. Binance.US lists no USDC
// spot books for majors, so an accidental USDC quote is mapped to USDT.
func binanceSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "USDC" {
		quote = "USDT"
	}
	return base + quote
}

// mexcSymbol renders the concatenated form unchanged.
func mexcSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return base + quote
}

// krakenPair renders the concatenated pair with Kraken altnames (BTC is
// listed as XBT).
func krakenPair(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return krakenAsset(base) + krakenAsset(quote)
}

func krakenAsset(asset string) string {
	if asset == "BTC" {
		return "XBT"
	}
	return asset
}

// fromKrakenAsset maps a Kraken asset code back to the common name. Kraken
// balance keys may carry the legacy X/Z prefix (XXBT, ZUSD).
func fromKrakenAsset(asset string) string {
	a := strings.ToUpper(asset)
	if len(a) == 4 && (a[0] == 'X' || a[0] == 'Z') {
		a = a[1:]
	}
	if a == "XBT" {
		return "BTC"
	}
	return a
}
