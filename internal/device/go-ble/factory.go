package goble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the host ble.Device (can be overridden in tests).
// The platform default is set in factory_darwin.go / factory_linux.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

var (
	hostMu  sync.Mutex
	hostDev ble.Device
)

// HostDevice returns the process-wide radio, creating it on first use.
// The HCI socket on Linux can only be opened once, so scanning and every
// connection share this instance.
func HostDevice() (ble.Device, error) {
	hostMu.Lock()
	defer hostMu.Unlock()

	if hostDev != nil {
		return hostDev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, wrapFactoryError(err)
	}
	hostDev = dev
	return hostDev, nil
}

// ResetHostDevice drops the cached radio so the next HostDevice call goes
// through DeviceFactory again. Tests use it after swapping the factory.
func ResetHostDevice() {
	hostMu.Lock()
	defer hostMu.Unlock()
	hostDev = nil
}

func wrapFactoryError(err error) error {
	if strings.Contains(err.Error(), "central manager has invalid state") && !strings.Contains(err.Error(), "have=4") {
		return fmt.Errorf("bluetooth is not ready - %w", err)
	}
	return NormalizeError(err)
}
