package venue

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds qty down to an exchange lot-size step. Rounding up
// would overspend or oversell; venues reject off-step quantities outright.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}

// QuoteToBase converts a quote-currency spend to base quantity at the given
// price. Returns 0 when the price is unusable.
func QuoteToBase(amountQuote, price float64) float64 {
	if price <= 0 || amountQuote <= 0 {
		return 0
	}
	out, _ := decimal.NewFromFloat(amountQuote).
		Div(decimal.NewFromFloat(price)).
		Float64()
	return out
}

// FormatAmount renders a quantity with fixed decimal places, rounded down.
// Venue APIs take string amounts; float formatting drift is what gets
// orders rejected with "invalid quantity".
func FormatAmount(v float64, places int) string {
	return decimal.NewFromFloat(v).RoundFloor(int32(places)).StringFixed(int32(places))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
