package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_HoldBlocksEverything(t *testing.T) {
	g := Gate{Mode: "live", Hold: true, Armed: "YES"}
	res := g.Check("live")
	assert.False(t, res.Allowed)
	assert.Equal(t, "edge_hold=true", res.Reason)
}

func TestGate_DryModeBlocks(t *testing.T) {
	g := Gate{Mode: "dry", Armed: "YES"}
	res := g.Check("live")
	assert.False(t, res.Allowed)
	assert.Equal(t, "edge_mode=dry", res.Reason)
}

func TestGate_UnsetModeBlocks(t *testing.T) {
	g := Gate{Armed: "YES"}
	res := g.Check("")
	assert.False(t, res.Allowed)
	assert.Equal(t, "edge_mode=unset", res.Reason)
}

func TestGate_IntentModeOverridesDown(t *testing.T) {
	// A dry-run intent on a live process must not trade.
	g := Gate{Mode: "live", Armed: "YES"}
	res := g.Check("dry")
	assert.False(t, res.Allowed)
	assert.Equal(t, "intent_mode=dry", res.Reason)
}

func TestGate_NotArmedBlocks(t *testing.T) {
	// Everything else live, but the operator never armed the switch.
	g := Gate{Mode: "live", Hold: false, Armed: ""}
	res := g.Check("live")
	assert.False(t, res.Allowed)
	assert.Equal(t, "live_not_armed", res.Reason)
}

func TestGate_WrongArmValueBlocks(t *testing.T) {
	g := Gate{Mode: "live", Armed: "true"}
	res := g.Check("live")
	assert.False(t, res.Allowed)
	assert.Equal(t, "live_not_armed", res.Reason)
}

func TestGate_AllConditionsMetAllows(t *testing.T) {
	g := Gate{Mode: "live", Hold: false, Armed: "YES"}
	res := g.Check("live")
	assert.True(t, res.Allowed)
	assert.Equal(t, "live_allowed", res.Reason)
}

func TestGate_EmptyIntentModeInheritsProcess(t *testing.T) {
	g := Gate{Mode: "live", Armed: "yes"} // case-insensitive arm value
	res := g.Check("")
	assert.True(t, res.Allowed)
}

func TestGate_ModeTrimmedAndLowercased(t *testing.T) {
	g := Gate{Mode: " LIVE ", Armed: "YES"}
	res := g.Check(" Live ")
	assert.True(t, res.Allowed)
}
