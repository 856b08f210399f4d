package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testAddr    = "AA:BB:CC:DD:EE:FF"
	testService = "ffe0"
	testChar    = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(t *testing.T, dev *testutils.FakeDevice, delay time.Duration, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithLogger(testutils.NewTestLogger()),
		WithDeviceFactory(func(string, *logrus.Logger) device.Device { return dev }),
		WithConnectRetry(1, time.Millisecond),
	}
	m := New(testAddr, testService, delay, append(base, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestWrite_ConnectsWritesAndLingers(t *testing.T) {
	char := testutils.NewFakeCharacteristic(testChar)
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
	m := newManager(t, dev, 50*time.Millisecond)

	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x01}))
	assert.True(t, m.IsConnected())
	assert.Equal(t, [][]byte{{0x01}}, char.Writes())

	// Second write within the delay reuses the connection
	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x00}))
	assert.Equal(t, 1, dev.Connects())

	assert.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dev.Disconnects())
}

func TestWrite_FallsBackToAnyService(t *testing.T) {
	char := testutils.NewFakeCharacteristic("ffe9")
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic("fff0", char)
	m := newManager(t, dev, time.Minute)

	require.NoError(t, m.Write(context.Background(), "ffe9", []byte{0x01}))
	assert.Len(t, char.Writes(), 1)
}

func TestWrite_ReconnectsStaleClient(t *testing.T) {
	char := testutils.NewFakeCharacteristic(testChar)
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
	m := newManager(t, dev, time.Minute)

	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x01}))
	dev.Drop()
	assert.False(t, m.IsConnected())

	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x00}))
	assert.Equal(t, 2, dev.Connects())
	assert.Equal(t, 1, dev.Disconnects(), "stale client is disposed before reconnecting")
}

func TestWrite_ConnectFailureIsNotAvailable(t *testing.T) {
	dev := testutils.NewFakeDevice(testAddr)
	dev.ConnectErrors = []error{errors.New("le-connection-abort-by-local")}
	m := newManager(t, dev, time.Minute)

	err := m.Write(context.Background(), testChar, []byte{0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceNotAvailable)
	assert.Contains(t, err.Error(), "could not connect")
	assert.False(t, m.IsConnected())
}

func TestWrite_RetriesConnect(t *testing.T) {
	char := testutils.NewFakeCharacteristic(testChar)
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
	dev.ConnectErrors = []error{errors.New("busy"), errors.New("busy")}
	m := newManager(t, dev, time.Minute, WithConnectRetry(3, time.Millisecond))

	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x01}))
	assert.Equal(t, 3, dev.Connects())
}

func TestWrite_ErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(c *testutils.FakeCharacteristic)
		charUUID     string
		notAvailable bool
		wantMsg      string
	}{
		{
			name:         "timeout",
			setup:        func(c *testutils.FakeCharacteristic) { c.WriteDelay = time.Hour },
			charUUID:     testChar,
			notAvailable: true,
			wantMsg:      "write timeout (likely offline)",
		},
		{
			name:         "ble error",
			setup:        func(c *testutils.FakeCharacteristic) { c.SetWriteErr(errors.New("ATT error 0x0e")) },
			charUUID:     testChar,
			notAvailable: true,
			wantMsg:      "not available for write operation",
		},
		{
			name:     "characteristic not found",
			setup:    func(*testutils.FakeCharacteristic) {},
			charUUID: "abcd",
			wantMsg:  `characteristic "abcd" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			char := testutils.NewFakeCharacteristic(testChar)
			tt.setup(char)
			dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
			m := newManager(t, dev, time.Minute, WithOperationTimeout(100*time.Millisecond))

			err := m.Write(context.Background(), tt.charUUID, []byte{0x01})
			require.Error(t, err)
			assert.Equal(t, tt.notAvailable, errors.Is(err, device.ErrDeviceNotAvailable))
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.False(t, m.IsConnected(), "client is disposed on failure")
			assert.Equal(t, 1, dev.Disconnects())
		})
	}
}

func TestWrite_FailureDoesNotScheduleTimerWithoutClient(t *testing.T) {
	dev := testutils.NewFakeDevice(testAddr)
	dev.ConnectErrors = []error{errors.New("nope")}
	m := newManager(t, dev, time.Millisecond)

	require.Error(t, m.Write(context.Background(), testChar, []byte{0x01}))
	m.mu.Lock()
	assert.Nil(t, m.timer)
	m.mu.Unlock()
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	dev := testutils.NewFakeDevice(testAddr)
	dev.ConnectErrors = []error{errors.New("1"), errors.New("2"), errors.New("3"), errors.New("4")}
	m := newManager(t, dev, time.Minute, WithBreaker(3, time.Hour))

	for i := 0; i < 3; i++ {
		require.Error(t, m.Write(context.Background(), testChar, []byte{0x01}))
	}
	assert.Equal(t, gobreaker.StateOpen, m.BreakerState())

	err := m.Write(context.Background(), testChar, []byte{0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceNotAvailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, dev.Connects(), "open breaker fails fast without dialing")
}

func TestRead(t *testing.T) {
	char := testutils.NewFakeCharacteristic(testChar, 0x01)
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
	m := newManager(t, dev, time.Minute)

	data, err := m.Read(context.Background(), testChar)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data)

	char.ReadErr = errors.New("read not permitted")
	_, err = m.Read(context.Background(), testChar)
	assert.ErrorIs(t, err, device.ErrDeviceNotAvailable)
}

func TestClose(t *testing.T) {
	char := testutils.NewFakeCharacteristic(testChar)
	dev := testutils.NewFakeDevice(testAddr).WithCharacteristic(testService, char)
	m := newManager(t, dev, 20*time.Millisecond)

	require.NoError(t, m.Write(context.Background(), testChar, []byte{0x01}))
	require.NoError(t, m.Close())
	assert.False(t, m.IsConnected())

	// The cancelled timer must not disconnect a second time
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dev.Disconnects())
	require.NoError(t, m.Close())
}
