package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/novatrade/edge/internal/config"
)

// KrakenExecutor places spot market orders on Kraken. Kraken has no
// quote-sized market orders, so BUY spends are converted to a base volume
// at the last trade price before submission. BTC is the XBT altname on the
// wire; balances are translated back to common asset names.
type KrakenExecutor struct {
	key    string
	secret string // base64, per Kraken key material
	rest   *restClient
}

func NewKraken(creds config.VenueCredentials) *KrakenExecutor {
	return &KrakenExecutor{
		key:    creds.Key,
		secret: creds.Secret,
		rest:   newRESTClient(creds.BaseURL, creds.Timeout, 1),
	}
}

func (k *KrakenExecutor) Name() string { return Kraken }

// sign implements the Kraken API-Sign scheme:
// HMAC-SHA512(path || SHA256(nonce || postdata), base64-decoded secret).
func (k *KrakenExecutor) sign(path, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.secret)
	if err != nil {
		return "", fmt.Errorf("kraken secret is not base64: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *KrakenExecutor) private(ctx context.Context, path string, data url.Values) (json.RawMessage, []byte, error) {
	nonce := fmt.Sprintf("%d", time.Now().UnixMilli())
	data.Set("nonce", nonce)
	post := data.Encode()

	sig, err := k.sign(path, nonce, post)
	if err != nil {
		return nil, nil, err
	}
	headers := map[string]string{
		"API-Key":      k.key,
		"API-Sign":     sig,
		"Content-Type": "application/x-www-form-urlencoded",
	}
	raw, status, err := k.rest.do(ctx, "POST", path, nil, []byte(post), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("kraken %s: %w", path, err)
	}
	if status >= 400 {
		return nil, raw, fmt.Errorf("kraken %s: http %d: %s", path, status, raw)
	}

	var env krakenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, raw, fmt.Errorf("kraken %s: parse response: %w", path, err)
	}
	if len(env.Error) > 0 {
		return nil, raw, fmt.Errorf("kraken %s: %s", path, strings.Join(env.Error, ","))
	}
	return env.Result, raw, nil
}

func (k *KrakenExecutor) public(ctx context.Context, path string, query url.Values, out any) error {
	raw, status, err := k.rest.do(ctx, "GET", path, query, nil, nil)
	if err != nil {
		return fmt.Errorf("kraken %s: %w", path, err)
	}
	if status >= 400 {
		return fmt.Errorf("kraken %s: http %d", path, status)
	}
	var env krakenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("kraken %s: parse response: %w", path, err)
	}
	if len(env.Error) > 0 {
		return fmt.Errorf("kraken %s: %s", path, strings.Join(env.Error, ","))
	}
	return json.Unmarshal(env.Result, out)
}

// orderMin returns the venue ordermin for a pair, with a BTC fallback when
// AssetPairs is unreachable.
func (k *KrakenExecutor) orderMin(ctx context.Context, pair string) float64 {
	fallback := 0.0
	if strings.HasPrefix(pair, "XBT") {
		fallback = 0.00005
	}
	var pairs map[string]struct {
		OrderMin string `json:"ordermin"`
	}
	if err := k.public(ctx, "/0/public/AssetPairs", url.Values{"pair": {pair}}, &pairs); err != nil {
		return fallback
	}
	for _, p := range pairs {
		if v := parseFloat(p.OrderMin); v > 0 {
			return v
		}
	}
	return fallback
}

// lastPrice returns the last trade price for a pair, 0 when unavailable.
func (k *KrakenExecutor) lastPrice(ctx context.Context, pair string) float64 {
	var tickers map[string]struct {
		C []string `json:"c"`
	}
	if err := k.public(ctx, "/0/public/Ticker", url.Values{"pair": {pair}}, &tickers); err != nil {
		return 0
	}
	for _, t := range tickers {
		if len(t.C) > 0 {
			return parseFloat(t.C[0])
		}
	}
	return 0
}

// Balances returns free balances keyed by common asset names.
func (k *KrakenExecutor) Balances(ctx context.Context) (map[string]float64, error) {
	result, _, err := k.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("kraken balance: parse result: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for asset, v := range raw {
		if f := parseFloat(v); f > 0 {
			out[fromKrakenAsset(asset)] = f
		}
	}
	return out, nil
}

func (k *KrakenExecutor) PlaceMarketOrder(ctx context.Context, order Order) (*Result, error) {
	if k.key == "" || k.secret == "" {
		return nil, fmt.Errorf("kraken credentials not configured")
	}
	pair := krakenPair(order.Symbol)
	base, quote := SplitSymbol(order.Symbol)
	ordermin := k.orderMin(ctx, pair)

	var qty float64
	if strings.ToUpper(order.Side) == "BUY" {
		if order.AmountQuote <= 0 {
			return nil, fmt.Errorf("kraken BUY requires a quote amount")
		}
		price := k.lastPrice(ctx, pair)
		if price <= 0 {
			return nil, fmt.Errorf("kraken %s: no ticker price for sizing", pair)
		}
		if bals, err := k.Balances(ctx); err == nil {
			if free := bals[quote]; order.AmountQuote > free {
				return nil, fmt.Errorf("insufficient %s: have %.2f, need %.2f", quote, free, order.AmountQuote)
			}
		}
		qty = QuoteToBase(order.AmountQuote, price)
	} else {
		if order.AmountBase <= 0 {
			return nil, fmt.Errorf("kraken SELL requires a base amount")
		}
		free := 0.0
		if bals, err := k.Balances(ctx); err == nil {
			free = bals[base]
		}
		qty = clampSell(order.AmountBase, free)
	}
	if qty < ordermin {
		return nil, fmt.Errorf("qty %.8f below ordermin %.8f", qty, ordermin)
	}

	data := url.Values{
		"pair":      {pair},
		"type":      {strings.ToLower(order.Side)},
		"ordertype": {"market"},
		"volume":    {FormatAmount(qty, 8)},
	}
	if order.ClientID != "" {
		data.Set("userref", krakenUserRef(order.ClientID))
	}

	result, raw, err := k.private(ctx, "/0/private/AddOrder", data)
	if err != nil {
		return nil, err
	}

	var added struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &added); err != nil {
		return nil, fmt.Errorf("kraken AddOrder: parse result: %w", err)
	}
	orderID := fmt.Sprintf("KR-NOORD-%d", time.Now().UnixMilli())
	msg := "kraken response parsed"
	if len(added.TxID) > 0 && added.TxID[0] != "" {
		orderID = added.TxID[0]
		msg = "kraken order accepted"
	}
	return &Result{
		OrderID:     orderID,
		Symbol:      pair,
		ExecutedQty: qty,
		Raw:         raw,
		Message:     msg,
	}, nil
}

// krakenUserRef derives a stable int32 userref from the client order id;
// Kraken has no free-form client id field on AddOrder.
func krakenUserRef(clientID string) string {
	var h uint32
	for i := 0; i < len(clientID); i++ {
		h = h*31 + uint32(clientID[i])
	}
	return fmt.Sprintf("%d", int32(h&0x7fffffff))
}
