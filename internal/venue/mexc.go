package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/novatrade/edge/internal/config"
)

// MEXCExecutor places spot market orders on MEXC. The request dialect is
// Binance-compatible (signed query string, quoteOrderQty for BUY) but the
// response shape differs enough to need its own parsing.
type MEXCExecutor struct {
	key    string
	secret string
	rest   *restClient
}

func NewMEXC(creds config.VenueCredentials) *MEXCExecutor {
	return &MEXCExecutor{
		key:    creds.Key,
		secret: creds.Secret,
		rest:   newRESTClient(creds.BaseURL, creds.Timeout, 5),
	}
}

func (m *MEXCExecutor) Name() string { return MEXC }

func (m *MEXCExecutor) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MEXCExecutor) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, int, error) {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	qs := params.Encode()
	qs += "&signature=" + m.sign(qs)
	headers := map[string]string{
		"X-MEXC-APIKEY": m.key,
		"Content-Type":  "application/json",
	}
	return m.rest.rawQuery(ctx, method, path, qs, headers)
}

// Balances returns free balances by asset.
func (m *MEXCExecutor) Balances(ctx context.Context) (map[string]float64, error) {
	raw, status, err := m.signedCall(ctx, "GET", "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("mexc account: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("mexc account: http %d: %s", status, raw)
	}
	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("mexc account: %w", err)
	}
	out := make(map[string]float64, len(acct.Balances))
	for _, b := range acct.Balances {
		if v := parseFloat(b.Free); v > 0 {
			out[strings.ToUpper(b.Asset)] = v
		}
	}
	return out, nil
}

func (m *MEXCExecutor) PlaceMarketOrder(ctx context.Context, order Order) (*Result, error) {
	if m.key == "" || m.secret == "" {
		return nil, fmt.Errorf("mexc credentials not configured")
	}
	symbol := mexcSymbol(order.Symbol)

	params := url.Values{
		"symbol": {symbol},
		"side":   {strings.ToUpper(order.Side)},
		"type":   {"MARKET"},
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}
	if strings.ToUpper(order.Side) == "BUY" {
		if order.AmountQuote <= 0 {
			return nil, fmt.Errorf("mexc BUY requires a quote amount")
		}
		params.Set("quoteOrderQty", FormatAmount(order.AmountQuote, 8))
	} else {
		if order.AmountBase <= 0 {
			return nil, fmt.Errorf("mexc SELL requires a base amount")
		}
		base, _ := SplitSymbol(order.Symbol)
		free := 0.0
		if bals, err := m.Balances(ctx); err == nil {
			free = bals[base]
		}
		qty := clampSell(order.AmountBase, free)
		if qty <= 0 {
			return nil, fmt.Errorf("no free %s to sell", base)
		}
		params.Set("quantity", FormatAmount(qty, 8))
	}

	raw, status, err := m.signedCall(ctx, "POST", "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("mexc order: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("mexc order: http %d: %s", status, raw)
	}

	var resp struct {
		OrderID             json.Number `json:"orderId"`
		ExecutedQty         string      `json:"executedQty"`
		CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
		TransactTime        int64       `json:"transactTime"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mexc order: parse response: %w", err)
	}

	orderID := resp.OrderID.String()
	msg := "mexc response parsed"
	if orderID != "" && orderID != "0" {
		msg = "mexc order accepted"
	} else {
		orderID = fmt.Sprintf("MX-NOORD-%d", time.Now().UnixMilli())
	}
	res := &Result{
		OrderID:     orderID,
		Symbol:      symbol,
		ExecutedQty: parseFloat(resp.ExecutedQty),
		QuoteFilled: parseFloat(resp.CummulativeQuoteQty),
		Raw:         raw,
		Message:     msg,
	}
	if res.ExecutedQty > 0 && res.QuoteFilled > 0 {
		res.AvgPrice = res.QuoteFilled / res.ExecutedQty
	}
	return res, nil
}
