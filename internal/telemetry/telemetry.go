// Package telemetry pushes periodic balance snapshots and heartbeats from
// the agent to the bus, with a disk cache so the bus still gets a snapshot
// right after a restart even when venue APIs are down.
package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// quote assets surfaced per venue as tradable liquidity.
var quoteAssets = []string{"USD", "USDC", "USDT"}

// BalanceSource yields free balances per venue per asset.
type BalanceSource interface {
	Balances(ctx context.Context) map[string]map[string]float64
}

// BalancePusher delivers one snapshot payload to the bus.
type BalancePusher interface {
	PushBalances(ctx context.Context, payload map[string]any) error
}

// Hub owns the telemetry cadence: a heartbeat ticker and a balance
// snapshot ticker, plus a push-on-boot snapshot.
type Hub struct {
	agentID   string
	source    BalanceSource
	bus       BalancePusher
	mirror    *Mirror
	cachePath string
	heartbeat time.Duration
	snapshot  time.Duration
	logger    *zap.Logger
}

// Cadence fallbacks for misconfigured or zero intervals.
const (
	defaultHeartbeat = 900 * time.Second
	defaultSnapshot  = 7200 * time.Second
)

func NewHub(agentID string, source BalanceSource, bus BalancePusher, mirror *Mirror,
	cachePath string, heartbeat, snapshot time.Duration, logger *zap.Logger) *Hub {
	// A zero interval would panic the ticker in Run.
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if snapshot <= 0 {
		snapshot = defaultSnapshot
	}
	return &Hub{
		agentID:   agentID,
		source:    source,
		bus:       bus,
		mirror:    mirror,
		cachePath: cachePath,
		heartbeat: heartbeat,
		snapshot:  snapshot,
		logger:    logger,
	}
}

// Run pushes one snapshot immediately, then ticks until the context ends.
func (h *Hub) Run(ctx context.Context) error {
	h.PushSnapshot(ctx)
	h.Heartbeat(ctx)

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	snap := time.NewTicker(h.snapshot)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("telemetry stopping")
			return ctx.Err()
		case <-hb.C:
			h.Heartbeat(ctx)
		case <-snap.C:
			h.PushSnapshot(ctx)
		}
	}
}

// Heartbeat emits a liveness event. Heartbeats ride the mirror and the
// log only; the bus infers liveness from command pulls.
func (h *Hub) Heartbeat(ctx context.Context) {
	ev := map[string]any{
		"agent_id": h.agentID,
		"event":    "heartbeat",
		"ts":       time.Now().Unix(),
	}
	h.logger.Info("heartbeat", zap.String("agent_id", h.agentID))
	h.mirror.PublishJSON(ctx, TopicHeartbeats, h.agentID, ev)
}

// PushSnapshot collects balances, caches them and pushes them to the bus.
// When collection comes back empty the last cached snapshot is replayed so
// the bus is never left with nothing after a redeploy.
func (h *Hub) PushSnapshot(ctx context.Context) {
	payload := h.collect(ctx)
	if payload == nil {
		payload = h.loadCache()
		if payload == nil {
			h.logger.Warn("no balances to push and no cache")
			return
		}
		payload["stale"] = true
		h.logger.Info("replaying cached balance snapshot")
	} else {
		h.saveCache(payload)
	}

	// The agent identity is stamped at send time regardless of what the
	// cache holds; the bus trusts this field.
	payload["agent"] = h.agentID
	payload["agent_id"] = h.agentID

	if err := h.bus.PushBalances(ctx, payload); err != nil {
		h.logger.Warn("balance push failed", zap.Error(err))
		return
	}
	h.mirror.PublishJSON(ctx, TopicBalances, h.agentID, payload)
	h.logger.Info("balance snapshot pushed", zap.Int("venues", len(payload)))
}

// collect builds the bus-friendly snapshot shape:
// {by_venue: {VENUE: {USD:.., USDT:..}}, flat: {BTC:.., ...}, ts}.
func (h *Hub) collect(ctx context.Context) map[string]any {
	byVenue := h.source.Balances(ctx)
	if len(byVenue) == 0 {
		return nil
	}

	venues := make(map[string]map[string]float64, len(byVenue))
	flat := map[string]float64{}
	for venue, assets := range byVenue {
		quotes := map[string]float64{}
		for _, q := range quoteAssets {
			quotes[q] = assets[q]
		}
		venues[venue] = quotes
		for asset, v := range assets {
			flat[asset] += v
		}
	}
	return map[string]any{
		"by_venue": venues,
		"flat":     flat,
		"ts":       time.Now().Unix(),
	}
}

func (h *Hub) loadCache() map[string]any {
	if h.cachePath == "" {
		return nil
	}
	raw, err := os.ReadFile(h.cachePath)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}

// saveCache is best-effort; a failed write never blocks the push.
func (h *Hub) saveCache(payload map[string]any) {
	if h.cachePath == "" {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.cachePath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(h.cachePath, raw, 0o644); err != nil {
		h.logger.Debug("balance cache write failed", zap.Error(err))
	}
}
