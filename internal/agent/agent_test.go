package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/novatrade/edge/internal/bus"
	"github.com/novatrade/edge/internal/config"
	"github.com/novatrade/edge/internal/intent"
	"github.com/novatrade/edge/internal/ledger"
	"github.com/novatrade/edge/internal/policy"
	"github.com/novatrade/edge/internal/receipt"
	"github.com/novatrade/edge/internal/venue"
)

// busRecorder captures every signed POST the agent sends.
type busRecorder struct {
	mu     sync.Mutex
	acks   []map[string]any
	rcpts  []map[string]any
	server *httptest.Server
}

func newBusRecorder(t *testing.T) *busRecorder {
	t.Helper()
	rec := &busRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		rec.mu.Lock()
		switch r.URL.Path {
		case "/api/commands/ack":
			rec.acks = append(rec.acks, body)
		case "/api/receipts/ack":
			rec.rcpts = append(rec.rcpts, body)
		}
		rec.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *busRecorder) lastAck(t *testing.T) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.acks)
	return r.acks[len(r.acks)-1]
}

func (r *busRecorder) ackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

func (r *busRecorder) receiptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rcpts)
}

type fixture struct {
	agent  *Agent
	bus    *bus.Client
	ledger *ledger.Ledger
	rec    *busRecorder
	stub   *recordingExecutor
}

// recordingExecutor captures the orders the router hands it.
type recordingExecutor struct {
	mu     sync.Mutex
	name   string
	orders []venue.Order
}

func (e *recordingExecutor) Name() string { return e.name }

func (e *recordingExecutor) PlaceMarketOrder(ctx context.Context, order venue.Order) (*venue.Result, error) {
	e.mu.Lock()
	e.orders = append(e.orders, order)
	e.mu.Unlock()
	return &venue.Result{
		OrderID:     "LIVE-1",
		Symbol:      order.Symbol,
		ExecutedQty: 0.0001,
		AvgPrice:    60000,
		QuoteFilled: order.AmountQuote,
		Message:     "order accepted",
	}, nil
}

// cancellingExecutor cancels the loop context as the venue accepts the
// order, like a termination signal racing an in-flight trade.
type cancellingExecutor struct {
	*recordingExecutor
	cancel context.CancelFunc
}

func (e *cancellingExecutor) PlaceMarketOrder(ctx context.Context, order venue.Order) (*venue.Result, error) {
	e.cancel()
	return e.recordingExecutor.PlaceMarketOrder(ctx, order)
}

func newFixture(t *testing.T, mode string, hold bool, armed string) *fixture {
	t.Helper()
	stub := &recordingExecutor{name: venue.BinanceUS}
	return newFixtureWith(t, mode, hold, armed, stub, stub)
}

func newFixtureWith(t *testing.T, mode string, hold bool, armed string,
	exec venue.Executor, stub *recordingExecutor) *fixture {
	t.Helper()
	rec := newBusRecorder(t)
	logger := zaptest.NewLogger(t)

	cfg := &config.Config{
		ServiceName:  "edge-agent",
		BaseURL:      rec.server.URL,
		AgentID:      "edge-test",
		EdgeSecret:   "test-secret",
		Mode:         mode,
		Hold:         hold,
		LiveArmed:    armed,
		PollInterval: 10 * time.Millisecond,
		PullLimit:    10,
	}

	led, err := ledger.Open(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	busClient := bus.New(rec.server.URL, cfg.EdgeSecret, 5*time.Second, 2, 10*time.Millisecond, logger)
	router := venue.NewRouter(led, logger, exec)
	enforcer := policy.NewEnforcer(policy.LoadRules(policy.RulesConfig{}), logger)

	return &fixture{
		agent:  New(cfg, busClient, led, router, enforcer, nil, nil, logger),
		bus:    busClient,
		ledger: led,
		rec:    rec,
		stub:   stub,
	}
}

func rawCommand(t *testing.T, js string) intent.RawCommand {
	t.Helper()
	var raw intent.RawCommand
	require.NoError(t, json.Unmarshal([]byte(js), &raw))
	return raw
}

func TestHandle_DryModeOrderSimulated(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	raw := rawCommand(t, `{"id":1,"intent":{"type":"order.place","venue":"KRAKEN","symbol":"BTC/USDT","side":"BUY","amount_quote":15}}`)

	f.agent.Handle(context.Background(), raw)

	ack := f.rec.lastAck(t)
	assert.Equal(t, "done", ack["status"])
	assert.Equal(t, "1", ack["id"])

	rc := ack["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusDryRun, rc["status"])
	assert.Equal(t, "KRAKEN", rc["venue"])
	assert.InDelta(t, 15.0/60000.0, rc["base_filled"].(float64), 1e-12)

	// Executed and journaled.
	state, err := f.ledger.Seen(context.Background(), "edge-test", "1")
	require.NoError(t, err)
	assert.Equal(t, "DONE", state)

	entries, err := f.ledger.ListUnsent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandle_DuplicateCommandAckedAsNoop(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	raw := rawCommand(t, `{"id":7,"intent":{"type":"order.place","venue":"KRAKEN","symbol":"BTC/USDT","side":"BUY","amount_quote":15}}`)

	f.agent.Handle(context.Background(), raw)
	f.agent.Handle(context.Background(), raw)

	require.Equal(t, 2, f.rec.ackCount())
	ack := f.rec.lastAck(t)
	assert.Equal(t, "done", ack["status"])
	rc := ack["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusNoop, rc["status"])
	assert.Equal(t, "duplicate", rc["message"])

	// Only the first execution was journaled.
	entries, err := f.ledger.ListUnsent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandle_LiveNotArmedSimulates(t *testing.T) {
	f := newFixture(t, "live", false, "")
	raw := rawCommand(t, `{"id":2,"intent":{"type":"order.place","venue":"BINANCEUS","symbol":"BTC/USDT","side":"BUY","amount_quote":25,"mode":"live"}}`)

	f.agent.Handle(context.Background(), raw)

	rc := f.rec.lastAck(t)["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusSimulated, rc["status"])
	assert.Contains(t, rc["message"], "live_not_armed")
	f.stub.mu.Lock()
	assert.Empty(t, f.stub.orders, "no venue call without arming")
	f.stub.mu.Unlock()
}

func TestHandle_HoldProducesHeldReceipt(t *testing.T) {
	f := newFixture(t, "live", true, "YES")
	raw := rawCommand(t, `{"id":3,"intent":{"type":"order.place","venue":"KRAKEN","symbol":"BTC/USDT","side":"BUY","amount_quote":15,"mode":"live"}}`)

	f.agent.Handle(context.Background(), raw)

	ack := f.rec.lastAck(t)
	assert.Equal(t, "held", ack["status"])
	rc := ack["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusHeld, rc["status"])
}

func TestHandle_LiveArmedRoutesWithPolicyBump(t *testing.T) {
	f := newFixture(t, "live", false, "YES")
	// $5 BUY on BINANCEUS sits under the $10 floor and is bumped.
	raw := rawCommand(t, `{"id":4,"intent":{"type":"order.place","venue":"BINANCEUS","symbol":"BTC/USDT","side":"BUY","amount_quote":5,"mode":"live","client_order_id":"EDGE-LIVE-4"}}`)

	f.agent.Handle(context.Background(), raw)

	f.stub.mu.Lock()
	require.Len(t, f.stub.orders, 1)
	assert.Equal(t, 10.0, f.stub.orders[0].AmountQuote)
	assert.Equal(t, "EDGE-LIVE-4", f.stub.orders[0].ClientID)
	f.stub.mu.Unlock()

	rc := f.rec.lastAck(t)["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusOK, rc["status"])
	assert.Equal(t, "LIVE-1", rc["order_id"])
	assert.Equal(t, "live", rc["mode"])
}

func TestHandle_LiveArmedBaseSizedSellRoutes(t *testing.T) {
	f := newFixture(t, "live", false, "YES")
	// No reference price is available pre-trade; a base-sized SELL must
	// still reach the venue instead of tripping the notional floor.
	raw := rawCommand(t, `{"id":7,"intent":{"type":"order.place","venue":"BINANCEUS","symbol":"BTC/USDT","side":"SELL","amount_base":0.01,"mode":"live"}}`)

	f.agent.Handle(context.Background(), raw)

	f.stub.mu.Lock()
	require.Len(t, f.stub.orders, 1)
	assert.Equal(t, 0.01, f.stub.orders[0].AmountBase)
	assert.Equal(t, "SELL", f.stub.orders[0].Side)
	f.stub.mu.Unlock()

	rc := f.rec.lastAck(t)["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusOK, rc["status"])
	assert.Equal(t, "SELL", rc["side"])
}

func TestHandle_ShutdownDuringLiveOrderStillJournalsAndAcks(t *testing.T) {
	stub := &recordingExecutor{name: venue.BinanceUS}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &cancellingExecutor{recordingExecutor: stub, cancel: cancel}
	f := newFixtureWith(t, "live", false, "YES", exec, stub)

	raw := rawCommand(t, `{"id":8,"intent":{"type":"order.place","venue":"BINANCEUS","symbol":"BTC/USDT","side":"BUY","amount_quote":20,"mode":"live","client_order_id":"EDGE-LIVE-8"}}`)
	f.agent.Handle(ctx, raw)
	require.Error(t, ctx.Err(), "the shutdown must have raced the order")

	// The order reached the venue, so its receipt must survive: journaled,
	// acked, remembered for replay, and the claim closed out.
	ack := f.rec.lastAck(t)
	assert.Equal(t, "done", ack["status"])

	entries, err := f.ledger.ListUnsent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	remembered, err := f.ledger.RecallOrder(context.Background(), "EDGE-LIVE-8")
	require.NoError(t, err)
	assert.Contains(t, remembered, "LIVE-1")

	state, err := f.ledger.Seen(context.Background(), "edge-test", "8")
	require.NoError(t, err)
	assert.Equal(t, "DONE", state)
}

func TestHandle_MalformedCommandAckedAsHeld(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	raw := rawCommand(t, `{"id":5,"intent":{"type":"order.place","side":"BUY","amount_quote":15}}`)

	f.agent.Handle(context.Background(), raw)

	ack := f.rec.lastAck(t)
	assert.Equal(t, "held", ack["status"])
	rc := ack["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusHeld, rc["status"])
	assert.Contains(t, rc["message"], "missing venue")
}

func TestHandle_SystemCommandNoop(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	raw := rawCommand(t, `{"id":6,"intent":{"type":"noop"}}`)

	f.agent.Handle(context.Background(), raw)

	ack := f.rec.lastAck(t)
	assert.Equal(t, "done", ack["status"])
	rc := ack["receipt"].(map[string]any)
	assert.Equal(t, receipt.StatusNoop, rc["status"])
}

func TestDrainer_DeliversJournaledReceipts(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	raw := rawCommand(t, `{"id":9,"intent":{"type":"order.place","venue":"KRAKEN","symbol":"BTC/USDT","side":"BUY","amount_quote":15}}`)
	f.agent.Handle(context.Background(), raw)

	d := NewDrainer(f.ledger, f.bus, zaptest.NewLogger(t))
	require.NoError(t, d.DrainOnce(context.Background()))
	assert.Equal(t, 1, f.rec.receiptCount())

	// Drained entries are not re-sent.
	require.NoError(t, d.DrainOnce(context.Background()))
	assert.Equal(t, 1, f.rec.receiptCount())
}

func TestNextBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 4*time.Second, nextBackoff(base, base))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second, base))
	assert.Equal(t, maxPollBackoff, nextBackoff(maxPollBackoff/2, base))
	assert.Equal(t, maxPollBackoff, nextBackoff(maxPollBackoff, base))
	assert.Equal(t, base, nextBackoff(0, base))
}

func TestRun_PullsAndStops(t *testing.T) {
	f := newFixture(t, "dry", false, "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.agent.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
