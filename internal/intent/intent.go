// Package intent maps heterogeneous bus command rows onto one canonical
// Intent shape. The bus has shipped several payload layouts over time;
// normalization is an explicit ordered list of extraction rules rather than
// ad-hoc nested lookups.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command types recognized by the agent.
const (
	TypeOrderPlace      = "order.place"
	TypeBalanceSnapshot = "balance_snapshot"
	TypeHeartbeat       = "heartbeat"
	TypeNote            = "note"
	TypeNoop            = "noop"
)

// Sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// FlagBase forces base-quantity sizing on SELL orders.
const FlagBase = "base"

// RawCommand is one command row as pulled from the bus, shape unknown.
type RawCommand map[string]any

// Intent is the canonical trade (or system) instruction.
type Intent struct {
	ID            string
	Type          string
	Venue         string
	Symbol        string // canonical BASE/QUOTE
	Side          string
	AmountBase    float64
	AmountQuote   float64
	AmountUSD     float64
	Flags         []string
	DryRun        bool
	Mode          string // live | dryrun | "" (inherit process mode)
	ClientOrderID string
}

// HasFlag reports whether the intent carries the given modifier flag.
func (in *Intent) HasFlag(flag string) bool {
	for _, f := range in.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (in *Intent) addFlag(flag string) {
	if !in.HasFlag(flag) {
		in.Flags = append(in.Flags, flag)
	}
}

// TradeLike reports whether the intent requires venue/symbol to execute.
// System types are exempt from the malformed check.
func (in *Intent) TradeLike() bool {
	switch in.Type {
	case TypeBalanceSnapshot, TypeHeartbeat, TypeNote, TypeNoop:
		return false
	}
	return true
}

// MalformedError marks an intent that must be acked as held rather than
// executed or silently dropped.
type MalformedError struct {
	CommandID string
	Reason    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed command %s: %s", e.CommandID, e.Reason)
}

// fallbackClientID generates a timestamp-based dedup key for intents the
// bus did not tag with one.
func fallbackClientID() string {
	return fmt.Sprintf("EDGE-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
