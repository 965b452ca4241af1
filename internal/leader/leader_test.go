package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemoryWithClock(clock.Now)
	return New(st, "inst-1", clock.Now, zerolog.Nop()), clock
}

func TestActivationAcquiresLeadership(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	res, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "controller-a", res.Active)

	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "controller-a", rec.ID)
	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Equal(t, clock.Now().UnixMilli(), rec.Timestamp)

	note, err := svc.ReadNotification(ctx)
	require.NoError(t, err)
	require.NotNil(t, note)
	require.NotNil(t, note.ControllerID)
	assert.Equal(t, "controller-a", *note.ControllerID)
	assert.NotEmpty(t, note.NotificationID)
}

func TestLeaderHeartbeatRefreshes(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)
	first, err := svc.ReadNotification(ctx)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	res, err := svc.SetActive(ctx, "controller-a", true)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "controller-a", res.Active)

	// Refresh extends the expiry window.
	clock.Advance(20 * time.Second)
	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// A refresh is silent: no new notification.
	second, err := svc.ReadNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.NotificationID, second.NotificationID)
}

func TestNonLeaderHeartbeatRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	denied := 0
	svc.Hooks(nil, nil, func() { denied++ })

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)

	res, err := svc.SetActive(ctx, "controller-b", true)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, "controller-a", res.Active)
	assert.Equal(t, 1, denied)

	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "controller-a", rec.ID)
}

func TestHeartbeatNeverCreatesLeadership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.SetActive(ctx, "controller-a", true)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Active)

	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestActivationSeizesFromLiveLeader(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)

	res, err := svc.SetActive(ctx, "controller-b", false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "controller-b", res.Active)

	note, err := svc.ReadNotification(ctx)
	require.NoError(t, err)
	require.NotNil(t, note.ControllerID)
	assert.Equal(t, "controller-b", *note.ControllerID)
}

func TestExpiryDeletesAndPublishesNull(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	expired := 0
	svc.Hooks(nil, func() { expired++ }, nil)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)

	clock.Advance(HeartbeatTimeout + time.Second)
	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, expired)

	note, err := svc.ReadNotification(ctx)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Nil(t, note.ControllerID)

	// After expiry a former non-leader can activate.
	res, err := svc.SetActive(ctx, "controller-b", false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestClearLeaderOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)

	cleared, err := svc.Clear(ctx, "controller-b")
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = svc.Clear(ctx, "controller-a")
	require.NoError(t, err)
	assert.True(t, cleared)

	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	note, err := svc.ReadNotification(ctx)
	require.NoError(t, err)
	assert.Nil(t, note.ControllerID)
}

func TestForceReset(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)

	require.NoError(t, svc.ForceReset(ctx))
	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Resetting with no record held is still fine.
	require.NoError(t, svc.ForceReset(ctx))
}

func TestRemaining(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	_, err := svc.SetActive(ctx, "controller-a", false)
	require.NoError(t, err)
	rec, err := svc.GetActive(ctx)
	require.NoError(t, err)

	assert.Equal(t, HeartbeatTimeout, svc.Remaining(rec))
	clock.Advance(10 * time.Second)
	assert.Equal(t, HeartbeatTimeout-10*time.Second, svc.Remaining(rec))
	clock.Advance(time.Minute)
	assert.Equal(t, time.Duration(0), svc.Remaining(rec))
	assert.Equal(t, time.Duration(0), svc.Remaining(nil))
}
