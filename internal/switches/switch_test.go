package switches

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testMAC  = "AA:BB:CC:DD:EE:FF"
	testChar = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

type mockWriter struct{ mock.Mock }

func (m *mockWriter) Write(ctx context.Context, charUUID string, value []byte) error {
	return m.Called(ctx, charUUID, value).Error(0)
}

func (m *mockWriter) Read(ctx context.Context, charUUID string) ([]byte, error) {
	args := m.Called(ctx, charUUID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

type mockAvailability struct{ mock.Mock }

func (m *mockAvailability) Available() bool { return m.Called().Bool(0) }
func (m *mockAvailability) MarkWriteFailed() { m.Called() }

type memStore struct {
	states map[string]bool
	err    error
}

func (s *memStore) LastState(_ context.Context, uid string) (bool, bool, error) {
	if s.err != nil {
		return false, false, s.err
	}
	on, ok := s.states[uid]
	return on, ok, nil
}

func (s *memStore) SaveState(_ context.Context, uid string, on bool) error {
	s.states[uid] = on
	return nil
}

func newSwitch(w *mockWriter, a *mockAvailability, st StateStore) *Switch {
	info := NewDeviceInfo(testMAC, "", "")
	return New("Light", testChar, info, w, a, st, testutils.NewTestLogger())
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo(testMAC, "", "")
	assert.Equal(t, DeviceInfo{Identifier: testMAC, Name: "BLE Device " + testMAC, Manufacturer: "Custom BLE"}, info)

	info = NewDeviceInfo(testMAC, "Garage", "Acme")
	assert.Equal(t, "Garage", info.Name)
	assert.Equal(t, "Acme", info.Manufacturer)
}

func TestUniqueID(t *testing.T) {
	sw := newSwitch(&mockWriter{}, &mockAvailability{}, nil)
	assert.Equal(t, "aabbccddeeff_5f9b34fb", sw.UniqueID())
}

func TestTurnOnOff_WritesAndPersists(t *testing.T) {
	w := &mockWriter{}
	a := &mockAvailability{}
	st := &memStore{states: map[string]bool{}}
	sw := newSwitch(w, a, st)

	a.On("Available").Return(true)
	w.On("Write", mock.Anything, testChar, []byte{0x01}).Return(nil).Once()
	w.On("Write", mock.Anything, testChar, []byte{0x00}).Return(nil).Once()

	var changes []bool
	sw.OnStateChange(func(on bool) { changes = append(changes, on) })

	require.NoError(t, sw.TurnOn(context.Background()))
	assert.True(t, sw.IsOn())
	assert.True(t, st.states[sw.UniqueID()])

	require.NoError(t, sw.TurnOff(context.Background()))
	assert.False(t, sw.IsOn())
	assert.False(t, st.states[sw.UniqueID()])

	assert.Equal(t, []bool{true, false}, changes)
	w.AssertExpectations(t)
}

func TestTurnOn_RefusedWhenUnavailable(t *testing.T) {
	w := &mockWriter{}
	a := &mockAvailability{}
	sw := newSwitch(w, a, nil)
	a.On("Available").Return(false)

	err := sw.TurnOn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "device "+testMAC+" is not available", err.Error())
	w.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, sw.IsOn())
}

func TestTurnOn_NotAvailableMarksCoordinator(t *testing.T) {
	w := &mockWriter{}
	a := &mockAvailability{}
	sw := newSwitch(w, a, nil)

	a.On("Available").Return(true)
	a.On("MarkWriteFailed").Return().Once()
	w.On("Write", mock.Anything, testChar, []byte{0x01}).
		Return(device.NotAvailable("write timeout (likely offline)", device.ErrTimeout))

	err := sw.TurnOn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrDeviceNotAvailable)
	assert.False(t, sw.IsOn())
	a.AssertExpectations(t)
}

func TestTurnOn_OtherErrorDoesNotMark(t *testing.T) {
	w := &mockWriter{}
	a := &mockAvailability{}
	sw := newSwitch(w, a, nil)

	boom := &device.NotFoundError{Resource: "characteristic", UUIDs: []string{testChar}}
	a.On("Available").Return(true)
	w.On("Write", mock.Anything, testChar, []byte{0x01}).Return(boom)

	err := sw.TurnOn(context.Background())
	assert.Same(t, boom, err)
	a.AssertNotCalled(t, "MarkWriteFailed")
}

func TestRestore(t *testing.T) {
	st := &memStore{states: map[string]bool{}}
	sw := newSwitch(&mockWriter{}, &mockAvailability{}, st)

	require.NoError(t, sw.Restore(context.Background()))
	assert.False(t, sw.IsOn(), "no record leaves the switch off")

	st.states[sw.UniqueID()] = true
	require.NoError(t, sw.Restore(context.Background()))
	assert.True(t, sw.IsOn())

	st.err = errors.New("disk on fire")
	assert.ErrorContains(t, sw.Restore(context.Background()), "disk on fire")

	require.NoError(t, newSwitch(&mockWriter{}, &mockAvailability{}, nil).Restore(context.Background()))
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		err     error
		wantOn  bool
		wantErr bool
	}{
		{name: "on", data: []byte{0x01}, wantOn: true},
		{name: "any non-zero is on", data: []byte{0x7f, 0x00}, wantOn: true},
		{name: "off", data: []byte{0x00}, wantOn: false},
		{name: "empty", data: []byte{}, wantErr: true},
		{name: "read error", err: errors.New("gatt"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockWriter{}
			w.On("Read", mock.Anything, testChar).Return(tt.data, tt.err)
			sw := newSwitch(w, &mockAvailability{}, &memStore{states: map[string]bool{}})

			err := sw.Refresh(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOn, sw.IsOn())
		})
	}
}
