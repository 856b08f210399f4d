package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleswitch/internal/config"
	"github.com/srg/bleswitch/internal/device"
	"github.com/srg/bleswitch/internal/switches"
)

// ErrInvalidState is returned for a switch state other than on or off.
var ErrInvalidState = errors.New("state must be 'on' or 'off'")

// FormatUserError turns an error into a message with a hint where one helps.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrDeviceNotAvailable), errors.Is(err, switches.ErrUnavailable):
		return fmt.Sprintf("%s\nHint: make sure the device is powered on and in range", err)
	case errors.As(err, &nf):
		return fmt.Sprintf("%s\nHint: run 'bleswitch scan' to check the address and service UUIDs", err)
	case errors.Is(err, config.ErrUnknownDevice):
		return fmt.Sprintf("%s\nHint: add it first with 'bleswitch config add-device'", err)
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("%s\nHint: enable the Bluetooth adapter", err)
	default:
		return err.Error()
	}
}
