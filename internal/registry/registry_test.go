package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthmesh/synthmesh/internal/protocol"
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

type capturedDelivery struct {
	clientID string
	frame    protocol.ClientLifecycle
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []capturedDelivery
}

func (d *fakeDeliverer) Deliver(_ context.Context, clientID string, payload []byte) error {
	var frame protocol.ClientLifecycle
	_ = json.Unmarshal(payload, &frame)
	d.mu.Lock()
	d.deliveries = append(d.deliveries, capturedDelivery{clientID: clientID, frame: frame})
	d.mu.Unlock()
	return nil
}

func (d *fakeDeliverer) all() []capturedDelivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capturedDelivery(nil), d.deliveries...)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *fakeDeliverer) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryWithClock(clock.Now)
	reg := New(st, "inst-1", clock.Now, zerolog.Nop())
	del := &fakeDeliverer{}
	reg.SetDeliverer(del)
	return reg, clock, del
}

func TestRegisterNewSynth(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	rec, isReconnection, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)
	assert.False(t, isReconnection)
	assert.Equal(t, "synth-a", rec.ID)
	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Equal(t, clock.Now().UnixMilli(), rec.ConnectionTimestamp)
	assert.Zero(t, rec.ReconnectionCount)
	assert.Nil(t, rec.LastReconnectTime)
	assert.False(t, rec.IsController)
}

func TestRegisterInvalidID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	for _, id := range []string{"viewer-a", "synth-a/b", "controller-"} {
		_, _, err := reg.Register(context.Background(), id, false)
		require.Error(t, err, id)
	}
}

func TestReregisterPreservesConnectionTimestamp(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	first, _, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	clock.Advance(42 * time.Second)
	second, isReconnection, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	// Treated as reconnecting even though the client did not flag it.
	assert.True(t, isReconnection)
	assert.Equal(t, first.ConnectionTimestamp, second.ConnectionTimestamp)
	assert.Equal(t, 1, second.ReconnectionCount)
	require.NotNil(t, second.LastReconnectTime)
	assert.Equal(t, clock.Now().UnixMilli(), *second.LastReconnectTime)

	clock.Advance(time.Second)
	third, _, err := reg.Register(ctx, "synth-a", true)
	require.NoError(t, err)
	assert.Equal(t, first.ConnectionTimestamp, third.ConnectionTimestamp)
	assert.Equal(t, 2, third.ReconnectionCount)
}

func TestSynthLifecycleNotifiesControllers(t *testing.T) {
	ctx := context.Background()
	reg, _, del := newTestRegistry(t)

	_, _, err := reg.Register(ctx, "controller-c1", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "controller-c2", false)
	require.NoError(t, err)

	_, _, err = reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	deliveries := del.all()
	require.Len(t, deliveries, 2)
	targets := []string{deliveries[0].clientID, deliveries[1].clientID}
	assert.ElementsMatch(t, []string{"controller-c1", "controller-c2"}, targets)
	assert.Equal(t, protocol.VerbClientConnected, deliveries[0].frame.Type)
	assert.Equal(t, "synth-a", deliveries[0].frame.ClientID)

	_, _, err = reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)
	deliveries = del.all()
	require.Len(t, deliveries, 4)
	assert.Equal(t, protocol.VerbClientReconnected, deliveries[2].frame.Type)

	require.NoError(t, reg.Unregister(ctx, "synth-a"))
	deliveries = del.all()
	require.Len(t, deliveries, 6)
	assert.Equal(t, protocol.VerbClientDisconnected, deliveries[4].frame.Type)
}

func TestControllerRegistrationIsSilent(t *testing.T) {
	ctx := context.Background()
	reg, _, del := newTestRegistry(t)

	_, _, err := reg.Register(ctx, "controller-c1", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "controller-c2", false)
	require.NoError(t, err)
	assert.Empty(t, del.all())

	ids, err := reg.ListControllers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"controller-c1", "controller-c2"}, ids)
}

func TestUnregisterRemovesDirectoryEntry(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.Register(ctx, "controller-c1", false)
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(ctx, "controller-c1"))

	ids, err := reg.ListControllers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = reg.Get(ctx, "controller-c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchPreservesConnectionTimestamp(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	rec, _, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	touched, err := reg.Touch(ctx, "synth-a")
	require.NoError(t, err)
	assert.Equal(t, rec.ConnectionTimestamp, touched.ConnectionTimestamp)
	assert.Equal(t, clock.Now().UnixMilli(), touched.LastSeen)
}

func TestTouchExtendsTTL(t *testing.T) {
	ctx := context.Background()
	reg, clock, _ := newTestRegistry(t)

	_, _, err := reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)

	// Refresh just inside the TTL, then confirm the record survives past
	// the original expiry.
	clock.Advance(ClientTTL - time.Minute)
	_, err = reg.Touch(ctx, "synth-a")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = reg.Get(ctx, "synth-a")
	require.NoError(t, err)

	clock.Advance(ClientTTL)
	_, err = reg.Get(ctx, "synth-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSynthsAnnotations(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.Register(ctx, "controller-c1", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "synth-a", false)
	require.NoError(t, err)
	_, _, err = reg.Register(ctx, "synth-b", false)
	require.NoError(t, err)

	connected := func(id string) bool { return id == "synth-a" }
	claimed := func(id string) bool { return id == "synth-b" }

	entries, err := reg.ListSynths(ctx, connected, claimed)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]bool{}
	for _, e := range entries {
		byID[e.ID] = true
		switch e.ID {
		case "synth-a":
			assert.True(t, e.Connected)
			assert.False(t, e.InActiveSet)
		case "synth-b":
			assert.False(t, e.Connected)
			assert.True(t, e.InActiveSet)
		}
	}
	assert.Len(t, byID, 2)
}
