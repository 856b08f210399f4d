package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConn struct {
	connected atomic.Bool
}

func (f *fakeConn) IsConnected() bool { return f.connected.Load() }

func advert() *testutils.FakeAdvertisement {
	return testutils.CreateMockAdvertisement("Relay", testAddr, -60).Build()
}

func newCoordinator(clock *fakeClock, conn Connector, opts Options) *Coordinator {
	opts.Now = clock.Now
	opts.Logger = testutils.NewTestLogger()
	return New(testAddr, "Relay", conn, opts)
}

func TestAvailable_FollowsAdvertisementAge(t *testing.T) {
	clock := newFakeClock()
	c := newCoordinator(clock, &fakeConn{}, Options{})

	assert.False(t, c.Available(), "never seen")

	c.HandleAdvertisement(advert())
	assert.True(t, c.Available())

	clock.Advance(DefaultUnavailableTimeout)
	assert.True(t, c.Available(), "boundary is inclusive")

	clock.Advance(time.Second)
	assert.False(t, c.Available())

	c.HandleAdvertisement(advert())
	assert.True(t, c.Available())
}

func TestAvailable_ConnectedWinsAndClearsManualFlag(t *testing.T) {
	clock := newFakeClock()
	conn := &fakeConn{}
	c := newCoordinator(clock, conn, Options{})

	c.MarkWriteFailed()
	assert.False(t, c.Available())

	conn.connected.Store(true)
	assert.True(t, c.Available())

	conn.connected.Store(false)
	assert.False(t, c.Available(), "never advertised")
	c.HandleAdvertisement(advert())
	assert.True(t, c.Available())
}

func TestMarkWriteFailed_UntilNextAdvertisement(t *testing.T) {
	clock := newFakeClock()
	c := newCoordinator(clock, &fakeConn{}, Options{})

	var notified atomic.Int32
	remove := c.AddListener(func() { notified.Add(1) })
	defer remove()

	c.HandleAdvertisement(advert())
	assert.Equal(t, int32(0), notified.Load(), "plain advertisements do not notify")

	c.MarkWriteFailed()
	assert.False(t, c.Available(), "fresh advertisement does not override a failed write")
	assert.Equal(t, int32(1), notified.Load())

	c.HandleAdvertisement(advert())
	assert.True(t, c.Available())
	assert.Equal(t, int32(2), notified.Load())
}

func TestRecoveryHookRunsOnceAfterFailure(t *testing.T) {
	clock := newFakeClock()
	var refreshed atomic.Int32
	c := newCoordinator(clock, &fakeConn{}, Options{
		OnRecovered: func(context.Context) { refreshed.Add(1) },
	})
	c.Start(context.Background())
	defer c.Stop()

	c.HandleAdvertisement(advert())
	c.MarkWriteFailed()
	c.HandleAdvertisement(advert())
	c.HandleAdvertisement(advert())

	assert.Eventually(t, func() bool { return refreshed.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), refreshed.Load())
}

func TestRecoveryHookSkippedAfterStop(t *testing.T) {
	clock := newFakeClock()
	var refreshed atomic.Int32
	c := newCoordinator(clock, &fakeConn{}, Options{
		OnRecovered: func(context.Context) { refreshed.Add(1) },
	})
	c.Start(context.Background())

	c.HandleAdvertisement(advert())
	c.MarkWriteFailed()
	c.Stop()

	c.HandleAdvertisement(advert())
	c.Stop()
	assert.Equal(t, int32(0), refreshed.Load())
	assert.True(t, c.Available(), "packet still clears the failed write")
}

func TestHandleAdvertisementAt_UsesReceiveTime(t *testing.T) {
	clock := newFakeClock()
	c := newCoordinator(clock, &fakeConn{}, Options{UnavailableTimeout: time.Minute})

	old := clock.Now().Add(-2 * time.Minute)
	c.HandleAdvertisementAt(advert(), old)
	seen, ok := c.LastSeen()
	require.True(t, ok)
	assert.Equal(t, old, seen)
	assert.False(t, c.Available(), "replayed packet is already too old")

	c.HandleAdvertisement(advert())
	assert.True(t, c.Available())

	c.HandleAdvertisementAt(advert(), old)
	seen, _ = c.LastSeen()
	assert.Equal(t, clock.Now(), seen, "last seen never moves backwards")
}

func TestWaitReady(t *testing.T) {
	clock := newFakeClock()
	c := newCoordinator(clock, &fakeConn{}, Options{StartupTimeout: 30 * time.Millisecond})
	assert.False(t, c.WaitReady(context.Background()))

	c2 := newCoordinator(clock, &fakeConn{}, Options{StartupTimeout: time.Second})
	go func() {
		time.Sleep(10 * time.Millisecond)
		c2.HandleAdvertisement(advert())
	}()
	assert.True(t, c2.WaitReady(context.Background()))
	assert.True(t, c2.WaitReady(context.Background()), "ready stays set")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c3 := newCoordinator(clock, &fakeConn{}, Options{StartupTimeout: time.Second})
	assert.False(t, c3.WaitReady(ctx))
}

func TestWatchdog_NotifiesOnTimeoutFlip(t *testing.T) {
	clock := newFakeClock()
	c := newCoordinator(clock, &fakeConn{}, Options{
		UnavailableTimeout: time.Minute,
		WatchdogInterval:   5 * time.Millisecond,
	})

	c.HandleAdvertisement(advert())
	var notified atomic.Int32
	c.AddListener(func() { notified.Add(1) })

	c.Start(context.Background())
	defer c.Stop()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), notified.Load())

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool { return notified.Load() == 1 }, time.Second, 5*time.Millisecond)

	seen, ok := c.LastSeen()
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, clock.Now().Sub(seen))
	assert.Equal(t, "Relay", c.LastAdvertisement().LocalName())
}
