package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novatrade/edge/internal/bus"
	"github.com/novatrade/edge/internal/ledger"
	"github.com/novatrade/edge/internal/receipt"
)

// Drainer delivers journaled receipts to the bus. Receipts are appended
// to the journal before any network send, so a crash between execution
// and delivery loses nothing; the drainer retries until the bus accepts.
type Drainer struct {
	ledger    *ledger.Ledger
	bus       *bus.Client
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewDrainer(led *ledger.Ledger, busClient *bus.Client, logger *zap.Logger) *Drainer {
	return &Drainer{
		ledger:    led,
		bus:       busClient,
		logger:    logger,
		interval:  2 * time.Second,
		batchSize: 50,
	}
}

// Run drains on a fixed tick until the context ends.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drainer stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.logger.Error("drain pass failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce sends one batch of unsent receipts, oldest first. A delivery
// failure leaves the entry in place for the next pass; a poison entry
// that the bus rejects outright is marked sent so it cannot wedge the
// queue.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	entries, err := d.ledger.ListUnsent(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("list unsent receipts: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	sent := 0
	for _, entry := range entries {
		var rc receipt.Receipt
		if err := json.Unmarshal([]byte(entry.ReceiptJSON), &rc); err != nil {
			d.logger.Error("journaled receipt unreadable, dropping",
				zap.Int64("journal_id", entry.ID),
				zap.String("command_id", entry.CommandID),
				zap.Error(err))
			_ = d.ledger.MarkSent(ctx, entry.ID, now)
			continue
		}

		res, err := d.bus.SendReceipt(ctx, entry.AgentID, entry.CommandID, &rc)
		if err != nil {
			d.logger.Warn("receipt delivery failed",
				zap.Int64("journal_id", entry.ID),
				zap.String("command_id", entry.CommandID),
				zap.Error(err))
			rejected := res.Status >= 400 && res.Status < 500
			if !rejected {
				rejected = strings.Contains(err.Error(), "schema validation")
			}
			if rejected {
				// The bus (or the schema check) rejected the receipt
				// itself; retrying the same bytes forever would block
				// everything behind it.
				d.logger.Error("receipt rejected by bus, dropping",
					zap.Int64("journal_id", entry.ID),
					zap.Int("http_status", res.Status),
					zap.String("body", res.Body))
				_ = d.ledger.MarkSent(ctx, entry.ID, now)
			}
			continue
		}

		if err := d.ledger.MarkSent(ctx, entry.ID, now); err != nil {
			// Worst case the receipt is re-sent; the bus dedupes on
			// command id.
			d.logger.Warn("mark sent failed", zap.Int64("journal_id", entry.ID), zap.Error(err))
			continue
		}
		sent++
	}

	if sent > 0 {
		d.logger.Info("receipts delivered", zap.Int("count", sent), zap.Int("batch", len(entries)))
	}
	return nil
}
