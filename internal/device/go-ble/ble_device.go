package goble

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
)

const (
	gapServiceUUID = "1800"
	deviceNameChar = "2a00"
)

// BLEDevice implements device.Device on top of go-ble.
type BLEDevice struct {
	address    string
	name       string
	connection *BLEConnection
	logger     *logrus.Logger
	mu         sync.RWMutex
}

// NewBLEDevice creates a BLEDevice with a pre-created connection instance
func NewBLEDevice(address string, logger *logrus.Logger) *BLEDevice {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEDevice{
		address:    address,
		connection: NewBLEConnection(logger),
		logger:     logger,
	}
}

func (d *BLEDevice) Address() string {
	return d.address
}

// Name returns the GAP device name once resolved, the address otherwise.
func (d *BLEDevice) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

// Connect establishes a BLE connection and resolves the GAP device name.
func (d *BLEDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	if err := d.connection.Connect(ctx, d.address, opts); err != nil {
		return err
	}

	// GAP Device Name is more authoritative than the advertised name
	char, err := d.connection.GetCharacteristic(gapServiceUUID, deviceNameChar)
	if err != nil {
		return nil
	}
	data, err := char.Read(DefaultReadTimeout)
	if err != nil || len(data) == 0 {
		return nil
	}
	name := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if isValidDeviceName(name) {
		d.mu.Lock()
		d.name = name
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"address": d.address,
			"name":    name,
		}).Debug("Resolved device name from GAP")
	}
	return nil
}

func (d *BLEDevice) Disconnect() error {
	return d.connection.Disconnect()
}

func (d *BLEDevice) IsConnected() bool {
	return d.connection.IsConnected()
}

func (d *BLEDevice) GetConnection() device.Connection {
	return d.connection
}

// isValidDeviceName checks if a string looks like a valid device name
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
