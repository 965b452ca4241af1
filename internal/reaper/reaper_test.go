package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthmesh/synthmesh/internal/registry"
	"github.com/synthmesh/synthmesh/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type nullDeliverer struct{}

func (nullDeliverer) Deliver(context.Context, string, []byte) error { return nil }

func newTestReaper(t *testing.T) (*Reaper, *registry.Registry, *PeerTable, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryWithClock(clock.Now)
	reg := registry.New(st, "inst-1", clock.Now, zerolog.Nop())
	reg.SetDeliverer(nullDeliverer{})
	table := NewPeerTable()
	return New(st, reg, table, clock.Now, zerolog.Nop()), reg, table, clock
}

func TestPeerTable(t *testing.T) {
	table := NewPeerTable()
	assert.False(t, table.Contains("synth-a"))
	assert.Empty(t, table.Union())

	table.SetConnections("controller-c1", []string{"synth-a", "synth-b"})
	table.SetConnections("controller-c2", []string{"synth-b", "synth-c"})
	assert.True(t, table.Contains("synth-a"))
	assert.True(t, table.Contains("synth-c"))
	assert.Len(t, table.Union(), 3)

	// Replacing a report drops the claims it no longer makes.
	table.SetConnections("controller-c1", []string{"synth-b"})
	assert.False(t, table.Contains("synth-a"))

	table.RemoveController("controller-c2")
	assert.False(t, table.Contains("synth-c"))
	assert.True(t, table.Contains("synth-b"))
}

func TestSweepRemovesUnclaimedAfterGrace(t *testing.T) {
	ctx := context.Background()
	r, reg, table, clock := newTestReaper(t)

	_, _, err := reg.Register(ctx, "synth-old", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "synth-claimed", false)
	require.NoError(t, err)

	// Both are past grace by sweep time; synth-fresh is not.
	clock.Advance(GracePeriod + time.Second)
	_, _, err = reg.Register(ctx, "synth-fresh", false)
	require.NoError(t, err)
	table.SetConnections("controller-c1", []string{"synth-claimed"})

	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"synth-old"}, removed)

	_, err = reg.Get(ctx, "synth-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = reg.Get(ctx, "synth-fresh")
	require.NoError(t, err)
	_, err = reg.Get(ctx, "synth-claimed")
	require.NoError(t, err)
}

func TestSweepNeverRemovesControllers(t *testing.T) {
	ctx := context.Background()
	r, reg, _, clock := newTestReaper(t)

	_, _, err := reg.Register(ctx, "controller-c1", false)
	require.NoError(t, err)
	clock.Advance(2 * GracePeriod)

	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	_, err = reg.Get(ctx, "controller-c1")
	require.NoError(t, err)
}

func TestGraceMeasuredFromConnectionTimestamp(t *testing.T) {
	ctx := context.Background()
	r, reg, _, clock := newTestReaper(t)

	_, _, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	// A reconnect inside the window does not restart the grace period:
	// connectionTimestamp is inherited from the first registration.
	clock.Advance(10 * time.Second)
	_, _, err = reg.Register(ctx, "synth-a", true)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"synth-a"}, removed)
}

func TestSweepHooks(t *testing.T) {
	ctx := context.Background()
	r, reg, _, clock := newTestReaper(t)

	sweeps, evicts := 0, 0
	r.Hooks(func() { sweeps++ }, func() { evicts++ })

	_, _, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "synth-b", false)
	require.NoError(t, err)
	clock.Advance(GracePeriod + time.Second)

	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, sweeps)
	assert.Equal(t, 2, evicts)
}
