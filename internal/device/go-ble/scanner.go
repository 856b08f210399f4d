package goble

import (
	"context"
	"errors"

	ble "github.com/go-ble/ble"
	"github.com/srg/bleswitch/internal/device"
)

// bleScanner wraps ble.Device to implement a device.Scanner interface
type bleScanner struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement.
// Cancellation of ctx ends the scan without an error.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	err := s.dev.Scan(ctx, allowDup, bleHandler)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return NormalizeError(err)
}

// NewScanner creates a device.Scanner bound to the shared host radio.
func NewScanner() (device.Scanner, error) {
	dev, err := HostDevice()
	if err != nil {
		return nil, err
	}
	return &bleScanner{dev: dev}, nil
}
