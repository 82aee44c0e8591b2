package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/novatrade/edge/internal/config"
)

// TokenSource mints a short-lived bearer token for one request. Coinbase
// Advanced Trade tokens expire within minutes, so a fresh token is built
// per call rather than cached.
type TokenSource func(ctx context.Context, method, path string) (string, error)

// CoinbaseExecutor places spot market orders on Coinbase Advanced Trade
// using market_market_ioc: quote_size for BUY, base_size for SELL.
type CoinbaseExecutor struct {
	tokens TokenSource
	rest   *restClient
}

const coinbaseOrdersPath = "/api/v3/brokerage/orders"

func NewCoinbase(creds config.VenueCredentials, tokens TokenSource) *CoinbaseExecutor {
	if tokens == nil {
		tokens = staticTokenSource(creds.Key)
	}
	return &CoinbaseExecutor{
		tokens: tokens,
		rest:   newRESTClient(creds.BaseURL, creds.Timeout, 5),
	}
}

// staticTokenSource serves a fixed token, for operators who mint bearer
// tokens out of band. An empty token fails every call.
func staticTokenSource(token string) TokenSource {
	return func(ctx context.Context, method, path string) (string, error) {
		if token == "" {
			return "", fmt.Errorf("coinbase credentials not configured")
		}
		return token, nil
	}
}

func (c *CoinbaseExecutor) Name() string { return Coinbase }

func (c *CoinbaseExecutor) call(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	token, err := c.tokens(ctx, method, path)
	if err != nil {
		return nil, 0, err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	return c.rest.do(ctx, method, path, nil, body, headers)
}

// Balances returns available balances by asset from the accounts endpoint.
func (c *CoinbaseExecutor) Balances(ctx context.Context) (map[string]float64, error) {
	raw, status, err := c.call(ctx, "GET", "/api/v3/brokerage/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("coinbase accounts: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("coinbase accounts: http %d: %s", status, raw)
	}
	var resp struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coinbase accounts: %w", err)
	}
	out := make(map[string]float64, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if v := parseFloat(a.AvailableBalance.Value); v > 0 {
			out[strings.ToUpper(a.Currency)] = v
		}
	}
	return out, nil
}

func (c *CoinbaseExecutor) PlaceMarketOrder(ctx context.Context, order Order) (*Result, error) {
	product := coinbaseProduct(order.Symbol)
	side := strings.ToUpper(order.Side)

	cfg := map[string]map[string]string{}
	if side == "BUY" {
		if order.AmountQuote <= 0 {
			return nil, fmt.Errorf("coinbase BUY requires a quote amount")
		}
		cfg["market_market_ioc"] = map[string]string{"quote_size": FormatAmount(order.AmountQuote, 2)}
	} else {
		if order.AmountBase <= 0 {
			return nil, fmt.Errorf("coinbase SELL requires a base amount")
		}
		qty := order.AmountBase
		base, _ := SplitSymbol(order.Symbol)
		if bals, err := c.Balances(ctx); err == nil {
			qty = clampSell(qty, bals[base])
		}
		if qty <= 0 {
			return nil, fmt.Errorf("no free %s to sell", base)
		}
		cfg["market_market_ioc"] = map[string]string{"base_size": FormatAmount(qty, 8)}
	}

	clientID := order.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("NT-%d", time.Now().UnixMilli())
	}
	body, err := json.Marshal(map[string]any{
		"client_order_id":     clientID,
		"product_id":          product,
		"side":                side,
		"order_configuration": cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("coinbase order: encode body: %w", err)
	}

	raw, status, err := c.call(ctx, "POST", coinbaseOrdersPath, body)
	if err != nil {
		return nil, fmt.Errorf("coinbase order: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("coinbase order: http %d: %s", status, raw)
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		OrderID       string `json:"order_id"`
		ErrorResponse struct {
			Message string `json:"message"`
		} `json:"error_response"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coinbase order: parse response: %w", err)
	}
	if resp.ErrorResponse.Message != "" {
		return nil, fmt.Errorf("coinbase order rejected: %s", resp.ErrorResponse.Message)
	}

	orderID := resp.SuccessResponse.OrderID
	if orderID == "" {
		orderID = resp.OrderID
	}
	msg := "coinbase response parsed"
	if orderID != "" {
		msg = "coinbase order accepted"
	} else {
		orderID = fmt.Sprintf("CB-NOORD-%d", time.Now().UnixMilli())
	}
	return &Result{
		OrderID: orderID,
		Symbol:  product,
		Raw:     raw,
		Message: msg,
	}, nil
}
