// Package devicefactory is the single place that picks the BLE backend.
// Everything above it talks to internal/device interfaces only.
package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bleswitch/internal/device"
	goble "github.com/srg/bleswitch/internal/device/go-ble"
)

// ScannerFactory creates the radio used for advertisement scanning.
// This is a variable so that it can be overridden in tests.
var ScannerFactory = func() (device.Scanner, error) {
	return goble.NewScanner()
}

// DeviceFactory creates a connectable peripheral handle for the address.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func(address string, logger *logrus.Logger) device.Device {
	return goble.NewBLEDevice(address, logger)
}

// NewScanner returns a scanner from the current ScannerFactory.
func NewScanner() (device.Scanner, error) {
	return ScannerFactory()
}

// NewDevice creates a new BLE device with the specified address.
func NewDevice(address string, logger *logrus.Logger) device.Device {
	return DeviceFactory(address, logger)
}
