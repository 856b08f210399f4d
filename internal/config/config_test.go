package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const sampleYAML = `
log_level: debug
homekit:
  pin: "11122333"
devices:
  - name: Garage relay
    mac_address: aa-bb-cc-dd-ee-ff
    service_uuid: 0000ffe0-0000-1000-8000-00805f9b34fb
    characteristics:
      - name: Light
        uuid: 0000ffe1-0000-1000-8000-00805f9b34fb
      - name: Fan
        uuid: ffe2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bleswitch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultUnavailableTimeout, cfg.Availability.UnavailableTimeout)
	assert.Equal(t, DeviceStartupTimeout, cfg.Availability.StartupTimeout)
	assert.Equal(t, "00102003", cfg.HomeKit.Pin)
	assert.Equal(t, "BLE Switch Bridge", cfg.HomeKit.Name)
	assert.Empty(t, cfg.Devices)
}

func TestLoad_AppliesDefaultsAndNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, "11122333", cfg.HomeKit.Pin)
	assert.Equal(t, ":0", cfg.HomeKit.Addr)
	require.Len(t, cfg.Devices, 1)

	d := cfg.Devices[0]
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.MACAddress)
	assert.Equal(t, DefaultManufacturer, d.Manufacturer)
	assert.Equal(t, DefaultDisconnectDelay, d.DisconnectDelay)
	assert.Len(t, d.Characteristics, 2)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown key",
			body:    "bogus: true\n",
			wantErr: "field bogus not found",
		},
		{
			name:    "bad mac",
			body:    "devices:\n  - name: x\n    mac_address: zz\n    service_uuid: ffe0\n",
			wantErr: "invalid MAC address",
		},
		{
			name:    "missing name",
			body:    "devices:\n  - mac_address: AA:BB:CC:DD:EE:FF\n    service_uuid: ffe0\n",
			wantErr: "name is required",
		},
		{
			name:    "bad service uuid",
			body:    "devices:\n  - name: x\n    mac_address: AA:BB:CC:DD:EE:FF\n    service_uuid: xyz\n",
			wantErr: "service_uuid",
		},
		{
			name:    "bad log level",
			body:    "log_level: loud\n",
			wantErr: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DuplicateDevice(t *testing.T) {
	body := sampleYAML + `  - name: Other
    mac_address: AA:BB:CC:DD:EE:FF
    service_uuid: ffe0
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestValidate_CharacteristicsShareUniqueID(t *testing.T) {
	body := sampleYAML + `      - name: Pump
        uuid: 0000ffe3-0000-1000-8000-00805f9b34fb
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateSwitch)
	assert.Contains(t, err.Error(), `"Light" and "Pump" both map to aabbccddeeff_5f9b34fb`)
}

func TestValidate_RejectsZeroDisconnectDelay(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	cfg.Devices[0].DisconnectDelay = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnect_delay must be positive")
}

func TestValidate_ZeroCharacteristicsAllowed(t *testing.T) {
	_, err := Parse([]byte("devices:\n  - name: x\n    mac_address: AA:BB:CC:DD:EE:01\n    service_uuid: ffe0\n"))
	require.NoError(t, err)
}

func TestAddDevice(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.AddDevice(DeviceConfig{Name: "Relay", MACAddress: "aabbccddee01", ServiceUUID: "ffe0"}))
	assert.Equal(t, "AA:BB:CC:DD:EE:01", cfg.Devices[0].MACAddress)
	assert.Equal(t, DefaultManufacturer, cfg.Devices[0].Manufacturer)

	err := cfg.AddDevice(DeviceConfig{Name: "Again", MACAddress: "AA:BB:CC:DD:EE:01", ServiceUUID: "ffe0"})
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestOptionsEdits(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	mac := "aa:bb:cc:dd:ee:ff"

	require.NoError(t, cfg.AddCharacteristic(mac, "Pump", "ffe3"))
	d, ok := cfg.Device(mac)
	require.True(t, ok)
	require.Len(t, d.Characteristics, 3)
	assert.Equal(t, "Pump", d.Characteristics[2].Name)

	assert.Error(t, cfg.AddCharacteristic(mac, "Bad", "nothex"))
	assert.Error(t, cfg.AddCharacteristic(mac, " ", "ffe4"))
	assert.ErrorIs(t, cfg.AddCharacteristic(mac, "Heater", "0000ffe4-0000-1000-8000-00805f9b34fb"), ErrDuplicateSwitch)
	assert.ErrorIs(t, cfg.AddCharacteristic(mac, "Pump again", "ffe3"), ErrDuplicateSwitch)
	require.Len(t, d.Characteristics, 3, "rejected characteristics are not appended")

	removed, err := cfg.RemoveCharacteristic(mac, 0)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "Fan", d.Characteristics[0].Name)

	removed, err = cfg.RemoveCharacteristic(mac, 7)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, d.Characteristics, 2)

	require.NoError(t, cfg.SetDisconnectDelay(mac, 3*time.Second))
	assert.Equal(t, 3*time.Second, d.DisconnectDelay)
	assert.Error(t, cfg.SetDisconnectDelay(mac, 0))
	assert.Error(t, cfg.SetDisconnectDelay(mac, -time.Second))
	assert.Equal(t, 3*time.Second, d.DisconnectDelay)

	_, err = cfg.RemoveCharacteristic("11:22:33:44:55:66", 0)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, cfg.SetDisconnectDelay("11:22:33:44:55:66", time.Second), ErrUnknownDevice)
}

func TestSave_RoundTrip(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.SetDisconnectDelay("AA:BB:CC:DD:EE:FF", 30*time.Second))
	require.NoError(t, cfg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"

	logger := cfg.NewLogger()
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}

func TestWatch_FiresOnSave(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, 20*time.Millisecond, testutils.NewTestLogger(), func() { calls.Add(1) })
	}()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, cfg.Save(path))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	require.NoError(t, <-done)
}
