package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSource struct {
	bals map[string]map[string]float64
}

func (s *stubSource) Balances(ctx context.Context) map[string]map[string]float64 {
	return s.bals
}

type stubPusher struct {
	payloads []map[string]any
	err      error
}

func (s *stubPusher) PushBalances(ctx context.Context, payload map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func newTestHub(t *testing.T, source BalanceSource, pusher BalancePusher, cachePath string) *Hub {
	t.Helper()
	return NewHub("edge-1", source, pusher, nil, cachePath,
		time.Hour, time.Hour, zaptest.NewLogger(t))
}

func TestNewHub_ClampsZeroCadence(t *testing.T) {
	// A zero env interval must not reach time.NewTicker.
	h := NewHub("edge-1", &stubSource{}, &stubPusher{}, nil, "",
		0, -1*time.Second, zaptest.NewLogger(t))
	assert.Equal(t, defaultHeartbeat, h.heartbeat)
	assert.Equal(t, defaultSnapshot, h.snapshot)
}

func TestPushSnapshot_ShapeAndIdentity(t *testing.T) {
	source := &stubSource{bals: map[string]map[string]float64{
		"KRAKEN":    {"BTC": 0.5, "USDT": 100},
		"BINANCEUS": {"USDT": 40},
	}}
	pusher := &stubPusher{}
	h := newTestHub(t, source, pusher, "")

	h.PushSnapshot(context.Background())
	require.Len(t, pusher.payloads, 1)
	p := pusher.payloads[0]

	assert.Equal(t, "edge-1", p["agent_id"])
	assert.Equal(t, "edge-1", p["agent"])

	byVenue := p["by_venue"].(map[string]map[string]float64)
	assert.Equal(t, 100.0, byVenue["KRAKEN"]["USDT"])
	assert.Equal(t, 0.0, byVenue["KRAKEN"]["USD"], "quote assets always present")

	flat := p["flat"].(map[string]float64)
	assert.Equal(t, 140.0, flat["USDT"], "flat sums across venues")
	assert.Equal(t, 0.5, flat["BTC"])
}

func TestPushSnapshot_ReplaysCacheWhenCollectionEmpty(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "nova", "last_balances.json")
	pusher := &stubPusher{}

	// First run with real balances warms the cache.
	h := newTestHub(t, &stubSource{bals: map[string]map[string]float64{
		"KRAKEN": {"USDT": 75},
	}}, pusher, cache)
	h.PushSnapshot(context.Background())
	require.Len(t, pusher.payloads, 1)

	// Second run collects nothing and must replay the cache, marked stale.
	h2 := newTestHub(t, &stubSource{}, pusher, cache)
	h2.PushSnapshot(context.Background())
	require.Len(t, pusher.payloads, 2)

	replay := pusher.payloads[1]
	assert.Equal(t, true, replay["stale"])
	assert.Equal(t, "edge-1", replay["agent_id"], "identity re-stamped over cache contents")
	assert.NotNil(t, replay["by_venue"])
}

func TestPushSnapshot_NothingToPush(t *testing.T) {
	pusher := &stubPusher{}
	h := newTestHub(t, &stubSource{}, pusher, "")
	h.PushSnapshot(context.Background())
	assert.Empty(t, pusher.payloads)
}

func TestPushSnapshot_CachesEvenWhenPushFails(t *testing.T) {
	// A failed push still caches: the snapshot itself was good.
	cache := filepath.Join(t.TempDir(), "last_balances.json")
	pusher := &stubPusher{err: assert.AnError}
	h := newTestHub(t, &stubSource{bals: map[string]map[string]float64{
		"MEXC": {"USDT": 5},
	}}, pusher, cache)
	h.PushSnapshot(context.Background())

	h2 := newTestHub(t, &stubSource{}, &stubPusher{}, cache)
	loaded := h2.loadCache()
	require.NotNil(t, loaded)
}
