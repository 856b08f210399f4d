package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startDispatcher(t *testing.T, sc *testutils.FakeScanner, opts ...Option) (*Dispatcher, func()) {
	t.Helper()
	d := NewDispatcher(sc, testutils.NewTestLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return d, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestDispatcher_RoutesByAddress(t *testing.T) {
	sc := testutils.NewFakeScanner()
	d, stop := startDispatcher(t, sc)
	defer stop()

	var mu sync.Mutex
	var got []string
	unsubscribe := d.Subscribe("aa:bb:cc:dd:ee:01", func(adv device.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, adv.LocalName())
	})

	sc.Emit(testutils.CreateMockAdvertisement("mine", "AA:BB:CC:DD:EE:01", -40).Build())
	sc.Emit(testutils.CreateMockAdvertisement("other", "AA:BB:CC:DD:EE:02", -40).Build())

	assert.Eventually(t, func() bool {
		_, ok := d.Lookup("AA-BB-CC-DD-EE-02", 0)
		return ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"mine"}, got)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	sc.Emit(testutils.CreateMockAdvertisement("again", "AA:BB:CC:DD:EE:01", -40).Build())
	assert.Eventually(t, func() bool {
		s, ok := d.Lookup("AA:BB:CC:DD:EE:01", 0)
		return ok && s.Advertisement.LocalName() == "again"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"mine"}, got)
	mu.Unlock()
}

func TestDispatcher_WaitFor(t *testing.T) {
	sc := testutils.NewFakeScanner()
	d, stop := startDispatcher(t, sc)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.WaitFor(ctx, "AA:BB:CC:DD:EE:01", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sc.Emit(testutils.CreateMockAdvertisement("relay", "AA:BB:CC:DD:EE:01", -40).Build())
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	s, err := d.WaitFor(ctx2, "aabbccddee01", 0)
	require.NoError(t, err)
	assert.Equal(t, "relay", s.Advertisement.LocalName())
	assert.False(t, s.Seen.IsZero())
}

func TestDispatcher_WaitForSkipsStaleSighting(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	sc := testutils.NewFakeScanner()
	d, stop := startDispatcher(t, sc, WithClock(now))
	defer stop()

	sc.Emit(testutils.CreateMockAdvertisement("old", "AA:BB:CC:DD:EE:01", -40).Build())
	require.Eventually(t, func() bool {
		_, ok := d.Lookup("AA:BB:CC:DD:EE:01", 0)
		return ok
	}, time.Second, 5*time.Millisecond)

	advance(time.Minute)

	_, ok := d.Lookup("AA:BB:CC:DD:EE:01", 30*time.Second)
	assert.False(t, ok)
	s, ok := d.Lookup("AA:BB:CC:DD:EE:01", 2*time.Minute)
	require.True(t, ok)
	assert.Equal(t, time.Unix(1000, 0), s.Seen)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.WaitFor(ctx, "AA:BB:CC:DD:EE:01", 30*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sc.Emit(testutils.CreateMockAdvertisement("fresh", "AA:BB:CC:DD:EE:01", -40).Build())
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	s, err = d.WaitFor(ctx2, "AA:BB:CC:DD:EE:01", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.Advertisement.LocalName())
	assert.Equal(t, time.Unix(1060, 0), s.Seen)
}

func TestDispatcher_RestartsAfterScanError(t *testing.T) {
	sc := testutils.NewFakeScanner()
	sc.ScanErrors = []error{errors.New("hci: command disallowed"), errors.New("hci: busy")}
	d, stop := startDispatcher(t, sc, WithRestartDelay(5*time.Millisecond))
	defer stop()

	assert.Eventually(t, func() bool { return sc.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	_, _, restarts := d.Stats()
	assert.Equal(t, uint64(2), restarts)
}

func TestDispatcher_SlowSubscriberDoesNotBlockRadio(t *testing.T) {
	sc := testutils.NewFakeScanner()
	d, stop := startDispatcher(t, sc, WithQueueSize(4))
	defer stop()

	release := make(chan struct{})
	d.Subscribe("AA:BB:CC:DD:EE:01", func(device.Advertisement) { <-release })

	for i := 0; i < 32; i++ {
		sc.Emit(testutils.CreateMockAdvertisement("relay", "AA:BB:CC:DD:EE:01", -40).Build())
	}
	assert.Eventually(t, func() bool {
		received, _, _ := d.Stats()
		return received == 32
	}, time.Second, 5*time.Millisecond)
	close(release)
}
