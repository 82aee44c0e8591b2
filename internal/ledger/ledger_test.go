package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestClaim_AtMostOnce(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	claimed, state, err := l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, StateStarted, state)

	claimed, state, err = l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must fail closed")
	assert.Equal(t, StateStarted, state)

	// Distinct command id or agent id is a fresh claim.
	claimed, _, err = l.Claim(ctx, "edge-1", "cmd-2")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, _, err = l.Claim(ctx, "edge-2", "cmd-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, state, err := l.Claim(ctx, "edge-1", "cmd-race")
			require.NoError(t, err)
			if !claimed {
				assert.Equal(t, StateStarted, state)
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent caller may claim")
}

func TestMarkDone_Transition(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	require.NoError(t, l.MarkDone(ctx, "edge-1", "cmd-1"))

	state, err := l.Seen(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)

	_, state, err = l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
}

func TestClaim_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	claimed, _, err := l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	claimed, state, err := l.Claim(ctx, "edge-1", "cmd-1")
	require.NoError(t, err)
	assert.False(t, claimed, "claims persist across restarts")
	assert.Equal(t, StateStarted, state)
}

func TestVenueOrderCache(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	got, err := l.RecallOrder(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.RememberOrder(ctx, "client-1", "KRAKEN", `{"status":"ok"}`))
	got, err = l.RecallOrder(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, got)

	// Re-remember must not overwrite the first receipt.
	require.NoError(t, l.RememberOrder(ctx, "client-1", "KRAKEN", `{"status":"error"}`))
	got, err = l.RecallOrder(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, got)
}

func TestReceiptJournal(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.AppendReceipt(ctx, "edge-1", "cmd-1", "done", `{"status":"ok"}`))
	require.NoError(t, l.AppendReceipt(ctx, "edge-1", "cmd-2", "held", `{"status":"held"}`))

	unsent, err := l.ListUnsent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	assert.Equal(t, "cmd-1", unsent[0].CommandID, "oldest first")
	assert.False(t, unsent[0].SentUnixMs.Valid)

	require.NoError(t, l.MarkSent(ctx, unsent[0].ID, time.Now().UnixMilli()))

	unsent, err = l.ListUnsent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, "cmd-2", unsent[0].CommandID)
}
