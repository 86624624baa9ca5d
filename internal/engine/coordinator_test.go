package engine_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/adapters/storage"
	"github.com/alejandrodnm/polyedge/internal/domain"
	"github.com/alejandrodnm/polyedge/internal/engine"
	"github.com/alejandrodnm/polyedge/internal/risk"
	"github.com/alejandrodnm/polyedge/internal/state"
	"github.com/alejandrodnm/polyedge/internal/wal"
)

type anyTOTP struct{}

func (anyTOTP) Validate(string) bool { return true }

func newCoordinator(t *testing.T) (*engine.Coordinator, *state.Machine) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w, err := wal.Open(filepath.Join(t.TempDir(), "coord.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	machine := state.NewMachine(store, w, store, []byte("secret"), anyTOTP{})
	riskMgr := risk.NewManager(1000, time.Now().UTC())
	return engine.NewCoordinator(machine, riskMgr), machine
}

func TestBarrierGenerationMonotonic(t *testing.T) {
	c, _ := newCoordinator(t)

	assert.False(t, c.BarrierActive())
	g0 := c.BarrierGeneration()

	g1 := c.RaiseBarrier()
	assert.True(t, c.BarrierActive())
	assert.Equal(t, g0+1, g1)

	// Lowering re-enables submits but never rewinds the generation: any
	// submit that recorded g0 stays dead.
	c.LowerBarrier()
	assert.False(t, c.BarrierActive())
	assert.Equal(t, g1, c.BarrierGeneration())

	g2 := c.RaiseBarrier()
	assert.Equal(t, g1+1, g2)
}

func TestWSEpochBumpsOnDisconnect(t *testing.T) {
	c, machine := newCoordinator(t)

	c.WSConnected()
	assert.True(t, c.Connected())
	e0 := c.Epoch()

	c.WSDisconnected()
	assert.False(t, c.Connected())
	assert.Equal(t, e0+1, c.Epoch())
	assert.True(t, c.WSDown())

	// The blocker follows the connection state.
	found := false
	for _, b := range machine.Blockers() {
		if b == domain.BlockerWSDown {
			found = true
		}
	}
	assert.True(t, found)

	c.WSConnected()
	assert.False(t, c.WSDown())
	assert.Empty(t, machine.Blockers())
}

func TestMarketClocks(t *testing.T) {
	c, _ := newCoordinator(t)

	c.OnWSMessage(1000)
	assert.Equal(t, int64(1000), c.LastMessageMs())

	c.OnMarketUpdate("m1", 1000, false)
	update, change := c.MarketClocks("m1")
	assert.Equal(t, int64(1000), update)
	assert.Zero(t, change, "no book change recorded yet")

	c.OnMarketUpdate("m1", 1200, true)
	update, change = c.MarketClocks("m1")
	assert.Equal(t, int64(1200), update)
	assert.Equal(t, int64(1200), change)
}

func TestMarketBarExpires(t *testing.T) {
	c, _ := newCoordinator(t)
	now := time.Now().UTC()

	c.BarMarket("m1", now.Add(50*time.Millisecond))
	assert.True(t, c.MarketBarred("m1", now))
	assert.False(t, c.MarketBarred("m1", now.Add(time.Second)))
	assert.False(t, c.MarketBarred("m2", now))
}
