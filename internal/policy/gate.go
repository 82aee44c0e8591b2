package policy

import (
	"fmt"
	"strings"
)

// ArmedSentinel is the literal value LIVE_ARMED must hold. An explicit
// operator action is required before any live order, on top of the mode
// flags; credentials and a well-formed intent are not enough.
const ArmedSentinel = "YES"

// Gate is the live-trading arming state machine. It has two states,
// BLOCKED and ALLOWED, and fails closed: any single missing condition
// blocks with a specific reason.
type Gate struct {
	Mode  string // process-wide EDGE_MODE: live | dry
	Hold  bool   // EDGE_HOLD
	Armed string // LIVE_ARMED, compared against ArmedSentinel
}

// GateResult is the gate verdict with its reason string.
type GateResult struct {
	Allowed bool
	Reason  string
}

// Check evaluates the gate for one intent. intentMode overrides the
// process mode when set; empty inherits it.
func (g Gate) Check(intentMode string) GateResult {
	mode := strings.ToLower(strings.TrimSpace(g.Mode))
	effective := strings.ToLower(strings.TrimSpace(intentMode))
	if effective == "" {
		effective = mode
	}

	if g.Hold {
		return GateResult{Allowed: false, Reason: "edge_hold=true"}
	}
	if mode != "live" {
		return GateResult{Allowed: false, Reason: fmt.Sprintf("edge_mode=%s", orUnset(mode))}
	}
	if effective != "live" {
		return GateResult{Allowed: false, Reason: fmt.Sprintf("intent_mode=%s", orUnset(effective))}
	}
	if strings.ToUpper(strings.TrimSpace(g.Armed)) != ArmedSentinel {
		return GateResult{Allowed: false, Reason: "live_not_armed"}
	}
	return GateResult{Allowed: true, Reason: "live_allowed"}
}

func orUnset(s string) string {
	if s == "" {
		return "unset"
	}
	return s
}
