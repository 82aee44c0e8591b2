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

// BinanceUSExecutor places spot market orders on Binance.US. BUY orders use
// quoteOrderQty so the venue does the quote-to-base conversion at fill
// prices; SELL orders send a base quantity floored to the LOT_SIZE step and
// clamped to the free balance.
type BinanceUSExecutor struct {
	key    string
	secret string
	rest   *restClient
}

func NewBinanceUS(creds config.VenueCredentials) *BinanceUSExecutor {
	return &BinanceUSExecutor{
		key:    creds.Key,
		secret: creds.Secret,
		rest:   newRESTClient(creds.BaseURL, creds.Timeout, 5),
	}
}

func (b *BinanceUSExecutor) Name() string { return BinanceUS }

func (b *BinanceUSExecutor) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedCall appends timestamp and recvWindow, signs the encoded query and
// sends it verbatim. Binance verifies the signature over the exact query
// string, so it must not be re-encoded after signing.
func (b *BinanceUSExecutor) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, int, error) {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", "5000")
	qs := params.Encode()
	qs += "&signature=" + b.sign(qs)
	return b.rest.rawQuery(ctx, method, path, qs, map[string]string{"X-MBX-APIKEY": b.key})
}

type binanceFilters struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

func (b *BinanceUSExecutor) symbolFilters(ctx context.Context, symbol string) binanceFilters {
	// Conservative fallbacks when exchangeInfo is unavailable.
	out := binanceFilters{StepSize: 1e-5, MinQty: 1e-5}

	raw, status, err := b.rest.do(ctx, "GET", "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, nil, nil)
	if err != nil || status >= 400 {
		return out
	}
	var info struct {
		Symbols []struct {
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if json.Unmarshal(raw, &info) != nil || len(info.Symbols) == 0 {
		return out
	}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v := parseFloat(f.StepSize); v > 0 {
				out.StepSize = v
			}
			if v := parseFloat(f.MinQty); v > 0 {
				out.MinQty = v
			}
		case "NOTIONAL", "MIN_NOTIONAL":
			out.MinNotional = parseFloat(f.MinNotional)
		}
	}
	return out
}

// Balances returns free balances by asset.
func (b *BinanceUSExecutor) Balances(ctx context.Context) (map[string]float64, error) {
	raw, status, err := b.signedCall(ctx, "GET", "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binanceus account: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("binanceus account: http %d: %s", status, raw)
	}
	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("binanceus account: %w", err)
	}
	out := make(map[string]float64, len(acct.Balances))
	for _, bal := range acct.Balances {
		if v := parseFloat(bal.Free); v > 0 {
			out[strings.ToUpper(bal.Asset)] = v
		}
	}
	return out, nil
}

func (b *BinanceUSExecutor) PlaceMarketOrder(ctx context.Context, order Order) (*Result, error) {
	if b.key == "" || b.secret == "" {
		return nil, fmt.Errorf("binanceus credentials not configured")
	}
	symbol := binanceSymbol(order.Symbol)
	filters := b.symbolFilters(ctx, symbol)

	params := url.Values{
		"symbol": {symbol},
		"side":   {strings.ToUpper(order.Side)},
		"type":   {"MARKET"},
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}

	if strings.ToUpper(order.Side) == "SELL" {
		qty, err := b.sellQty(ctx, order, filters)
		if err != nil {
			return nil, err
		}
		params.Set("quantity", FormatAmount(qty, 8))
	} else {
		if order.AmountQuote <= 0 {
			return nil, fmt.Errorf("binanceus BUY requires a quote amount")
		}
		if filters.MinNotional > 0 && order.AmountQuote < filters.MinNotional {
			return nil, fmt.Errorf("min notional %.2f not met (amount=%.2f)", filters.MinNotional, order.AmountQuote)
		}
		params.Set("quoteOrderQty", FormatAmount(order.AmountQuote, 8))
	}

	raw, status, err := b.signedCall(ctx, "POST", "/api/v3/order", params)
	if err != nil {
		return nil, fmt.Errorf("binanceus order: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("binanceus order: http %d: %s", status, raw)
	}
	return parseBinanceOrder(symbol, raw)
}

func (b *BinanceUSExecutor) sellQty(ctx context.Context, order Order, filters binanceFilters) (float64, error) {
	if order.AmountBase <= 0 {
		return 0, fmt.Errorf("binanceus SELL requires a base amount")
	}
	base, _ := SplitSymbol(order.Symbol)
	free := 0.0
	if bals, err := b.Balances(ctx); err == nil {
		free = bals[base]
	}
	qty := FloorToStep(clampSell(order.AmountBase, free), filters.StepSize)
	if qty < filters.MinQty {
		return 0, fmt.Errorf("insufficient free %s after clamp (qty %.8f < minQty %.8f)", base, qty, filters.MinQty)
	}
	return qty, nil
}

func parseBinanceOrder(symbol string, raw []byte) (*Result, error) {
	var resp struct {
		OrderID             int64  `json:"orderId"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		Fills               []struct {
			Price           string `json:"price"`
			Qty             string `json:"qty"`
			Commission      string `json:"commission"`
			CommissionAsset string `json:"commissionAsset"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("binanceus order: parse response: %w", err)
	}

	res := &Result{
		OrderID:     fmt.Sprintf("%d", resp.OrderID),
		Symbol:      symbol,
		ExecutedQty: parseFloat(resp.ExecutedQty),
		QuoteFilled: parseFloat(resp.CummulativeQuoteQty),
		Raw:         raw,
		Message:     "binanceus order accepted",
	}
	for _, f := range resp.Fills {
		res.Fills = append(res.Fills, Fill{Price: parseFloat(f.Price), Qty: parseFloat(f.Qty)})
		res.Fee += parseFloat(f.Commission)
		res.FeeAsset = f.CommissionAsset
	}
	if res.ExecutedQty > 0 && res.QuoteFilled > 0 {
		res.AvgPrice = res.QuoteFilled / res.ExecutedQty
	}
	return res, nil
}
