// Package bus is the HMAC-signed HTTP client for the remote command bus.
// Every outgoing body is the exact canonical bytes the signature was
// computed over; nothing is re-serialized after signing.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novatrade/edge/internal/intent"
	"github.com/novatrade/edge/internal/receipt"
	"github.com/novatrade/edge/internal/signer"
)

const (
	pullPath      = "/api/commands/pull"
	ackPath       = "/api/commands/ack"
	receiptPath   = "/api/receipts/ack"
	balancesPath  = "/api/telemetry/push_balances"
	maxBodyBytes  = 64 * 1024 // raw venue blobs must not grow ack bodies unbounded
	maxBackoff    = 6 * time.Second
	jitterCeiling = 250 * time.Millisecond
)

// Client performs signed POSTs against the bus with bounded retries.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger
	retries int
	backoff time.Duration
}

// AckResult reports the bus response to an ack or receipt post.
type AckResult struct {
	OK     bool
	Status int
	Body   string
}

// New creates a bus client. retries is total attempts (minimum 1).
func New(baseURL, secret string, timeout time.Duration, retries int, backoff time.Duration, logger *zap.Logger) *Client {
	if retries < 1 {
		retries = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		retries: retries,
		backoff: backoff,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// shortBody collapses giant HTML error pages into a one-line hint.
func shortBody(b []byte) string {
	t := strings.TrimSpace(string(b))
	if strings.HasPrefix(t, "<!DOCTYPE") || strings.HasPrefix(t, "<html") {
		return "HTML error page"
	}
	if len(t) > 160 {
		return t[:160] + "..."
	}
	return t
}

// postSigned canonicalizes body, signs it, and POSTs the signed bytes.
// Retries on 5xx, 429 and transport errors with jittered exponential
// backoff; other 4xx surface immediately.
func (c *Client) postSigned(ctx context.Context, path string, body any) (int, []byte, error) {
	raw, err := signer.Canonical(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to canonicalize body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return 0, nil, fmt.Errorf("body exceeds %d bytes (%d)", maxBodyBytes, len(raw))
	}
	headers := signer.Headers(c.secret, raw)

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			sleep := c.backoff * time.Duration(1<<(attempt-2))
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			sleep += time.Duration(rand.Int63n(int64(jitterCeiling)))
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(sleep):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "NovaTrade-Edge/2.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("bus request failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if retryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("bus returned %d: %s", resp.StatusCode, shortBody(respBody))
			c.logger.Warn("bus request retryable status",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
			)
			continue
		}
		if resp.StatusCode >= 400 {
			return resp.StatusCode, respBody, fmt.Errorf("bus returned %d: %s", resp.StatusCode, shortBody(respBody))
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, fmt.Errorf("bus %s failed after %d attempts: %w", path, c.retries, lastErr)
}

// Pull leases up to limit commands for agentID. Transport failures return an
// empty slice plus the error; the poll loop must never crash on a transient
// outage, it only slows down.
func (c *Client) Pull(ctx context.Context, agentID string, limit int) ([]intent.RawCommand, error) {
	body := map[string]any{
		"agent_id": agentID,
		"agent":    agentID, // compatibility alias
		"limit":    limit,
		"ts":       time.Now().Unix(),
	}
	_, respBody, err := c.postSigned(ctx, pullPath, body)
	if err != nil {
		// Logged here so the loop never has to; the returned error only
		// feeds the caller's poll backoff.
		c.logger.Error("pull error", zap.Error(err))
		return nil, err
	}
	return parsePullResponse(respBody, c.logger), nil
}

// parsePullResponse accepts both the legacy bare-list shape and the current
// {"ok":true,"commands":[...]} envelope.
func parsePullResponse(respBody []byte, logger *zap.Logger) []intent.RawCommand {
	trimmed := bytes.TrimSpace(respBody)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var cmds []intent.RawCommand
		if err := json.Unmarshal(trimmed, &cmds); err != nil {
			logger.Warn("unparseable legacy pull response", zap.Error(err))
			return nil
		}
		return cmds
	}

	var envelope struct {
		Commands []intent.RawCommand `json:"commands"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		logger.Warn("unparseable pull response", zap.Error(err))
		return nil
	}
	return envelope.Commands
}

// Ack reports the outcome of one command. status is done, error or held.
func (c *Client) Ack(ctx context.Context, agentID, cmdID, status string, rcpt *receipt.Receipt) (AckResult, error) {
	body := map[string]any{
		"id":       cmdID,
		"agent_id": agentID,
		"status":   status,
		"receipt":  rcpt,
		"ts":       time.Now().Unix(),
	}
	code, respBody, err := c.postSigned(ctx, ackPath, body)
	if err != nil {
		return AckResult{OK: false, Status: code, Body: shortBody(respBody)}, err
	}
	return AckResult{OK: true, Status: code, Body: shortBody(respBody)}, nil
}

// SendReceipt posts a normalized receipt to the receipts endpoint. The
// normalized block is validated against the required-field schema before
// sending; the opaque raw blob is dropped when it would push the body over
// the size cap.
func (c *Client) SendReceipt(ctx context.Context, agentID, cmdID string, rcpt *receipt.Receipt) (AckResult, error) {
	if err := validateNormalized(rcpt); err != nil {
		return AckResult{}, fmt.Errorf("receipt failed schema validation: %w", err)
	}

	body := map[string]any{
		"agent_id":   agentID,
		"cmd_id":     cmdID,
		"ts":         time.Now().UnixMilli(),
		"normalized": normalizedBlock(rcpt),
		"raw":        json.RawMessage(rcpt.Raw),
	}
	if len(rcpt.Raw) == 0 {
		body["raw"] = map[string]any{}
	}

	if raw, err := signer.Canonical(body); err == nil && len(raw) > maxBodyBytes {
		body["raw"] = map[string]any{"truncated": true}
	}

	code, respBody, err := c.postSigned(ctx, receiptPath, body)
	if err != nil {
		return AckResult{OK: false, Status: code, Body: shortBody(respBody)}, err
	}
	return AckResult{OK: true, Status: code, Body: shortBody(respBody)}, nil
}

// PushBalances posts a balance telemetry snapshot.
func (c *Client) PushBalances(ctx context.Context, payload map[string]any) error {
	_, _, err := c.postSigned(ctx, balancesPath, payload)
	return err
}

func validateNormalized(rcpt *receipt.Receipt) error {
	missing := make([]string, 0, 6)
	if rcpt.Venue == "" {
		missing = append(missing, "venue")
	}
	if rcpt.Symbol == "" {
		missing = append(missing, "symbol")
	}
	if rcpt.Side == "" {
		missing = append(missing, "side")
	}
	if rcpt.Mode == "" {
		missing = append(missing, "mode")
	}
	if rcpt.Status == "" {
		missing = append(missing, "status")
	}
	if rcpt.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func normalizedBlock(rcpt *receipt.Receipt) map[string]any {
	return map[string]any{
		"venue":        rcpt.Venue,
		"symbol":       rcpt.Symbol,
		"side":         rcpt.Side,
		"mode":         rcpt.Mode,
		"status":       rcpt.Status,
		"order_id":     rcpt.OrderID,
		"client_id":    rcpt.ClientID,
		"base_filled":  rcpt.ExecutedQty,
		"quote_filled": rcpt.QuoteFilled,
		"fee":          rcpt.Fee,
		"fee_asset":    rcpt.FeeAsset,
		"tx_ts":        rcpt.TxTS,
	}
}
