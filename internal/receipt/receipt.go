// Package receipt defines the canonical execution result posted back to the
// bus. A receipt is produced exactly once per claimed command and is
// immutable after creation; it is journaled locally before any bus send.
package receipt

import (
	"encoding/json"
	"time"
)

// Status values.
const (
	StatusOK        = "ok"
	StatusSimulated = "simulated"
	StatusDryRun    = "dryrun"
	StatusHeld      = "held"
	StatusError     = "error"
	StatusNoop      = "noop"
)

// Receipt is the canonical execution result.
type Receipt struct {
	Status      string          `json:"status"`
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Mode        string          `json:"mode"`
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id"`
	ExecutedQty float64         `json:"base_filled"`
	AvgPrice    float64         `json:"avg_price"`
	QuoteFilled float64         `json:"quote_filled"`
	Fee         float64         `json:"fee"`
	FeeAsset    string          `json:"fee_asset"`
	Message     string          `json:"message,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"` // opaque venue payload, audit only
	TxTS        int64           `json:"tx_ts"`
}

// Ack status the bus expects for this receipt: done, error or held.
func (r *Receipt) AckStatus() string {
	switch r.Status {
	case StatusError:
		return "error"
	case StatusHeld:
		return "held"
	default:
		return "done"
	}
}

// OK reports whether the command executed (really or simulated).
func (r *Receipt) OK() bool {
	return r.Status != StatusError && r.Status != StatusHeld
}

// New builds a receipt stamped with the current time.
func New(status, venue, symbol, side, mode, clientID, message string) *Receipt {
	return &Receipt{
		Status:   status,
		Venue:    venue,
		Symbol:   symbol,
		Side:     side,
		Mode:     mode,
		ClientID: clientID,
		Message:  message,
		TxTS:     time.Now().UnixMilli(),
	}
}
