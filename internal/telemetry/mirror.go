package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Kafka topics for the local telemetry mirror.
const (
	TopicReceipts   = "edge.receipts"
	TopicBalances   = "edge.balances"
	TopicHeartbeats = "edge.heartbeats"
)

// Mirror publishes telemetry events to a local Kafka cluster in addition
// to the bus. The bus is the system of record; the mirror feeds ops
// dashboards and survives bus outages. A nil *Mirror is a no-op, so the
// agent runs unchanged when no brokers are configured.
type Mirror struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewMirror(brokers []string, logger *zap.Logger) (*Mirror, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	logger.Info("telemetry mirror initialized", zap.Strings("brokers", brokers))
	return &Mirror{client: client, logger: logger}, nil
}

// PublishJSON mirrors one event. Failures are logged, never propagated:
// the mirror must not affect the trading path.
func (m *Mirror) PublishJSON(ctx context.Context, topic, key string, v any) {
	if m == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("mirror marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: data}
	if result := m.client.ProduceSync(produceCtx, record); result.FirstErr() != nil {
		m.logger.Warn("mirror produce failed",
			zap.String("topic", topic),
			zap.Error(result.FirstErr()))
	}
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.client.Close()
}
